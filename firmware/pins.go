//go:build tinygo

package main

import "machine"

const (
	// Sampling configuration
	DEFAULT_INTERVAL_US = 1000 // Reading-set interval in microseconds (1 kHz)
	MIN_INTERVAL_US     = 200  // Eight conversions plus the line must fit in one interval
	MAX_INTERVAL_US     = 1000000
	MUX_SETTLE_US       = 5 // Settling time after switching the mux

	// ADC configuration
	ADC_REFERENCE_MV = 3300 // Reference voltage in millivolts (3.3V)
	ADC_RESOLUTION   = 12   // ADC resolution in bits (12-bit = 0-4095)
	NUM_CHANNELS     = 8

	// CD4051 select lines, channel n is selected by the low three bits of n
	PIN_MUX_S0 = machine.GPIO2
	PIN_MUX_S1 = machine.GPIO3
	PIN_MUX_S2 = machine.GPIO4

	// Mux common output
	PIN_ADC = machine.ADC0

	// Serial configuration
	// Line format: "unix_micros,c0,c1,c2,c3,c4,c5,c6,c7\n"
	// Example: "1234567890123456,4095,4095,4095,4095,4095,4095,4095,4095\n" = 57 bytes max
	// 1000 lines/sec * 57 bytes = 57,000 bytes/sec = 570,000 baud (8N1)
	// 921600 leaves ~60% headroom at 1 kHz
	UART_BAUD_RATE = 921600
)
