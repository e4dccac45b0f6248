//go:build tinygo

//go:generate tinygo flash -target=pico

package main

import (
	"machine"
	"time"
)

var (
	adc  machine.ADC
	uart = machine.UART0
	mux  = [3]machine.Pin{PIN_MUX_S0, PIN_MUX_S1, PIN_MUX_S2}

	interval = time.Duration(DEFAULT_INTERVAL_US) * time.Microsecond
	readings [NUM_CHANNELS]uint16

	// Timing
	nextRead time.Time

	// Serial buffer for reading command lines
	serialBuffer [12]byte
	serialPos    int
)

func main() {
	for _, p := range mux {
		p.Configure(machine.PinConfig{Mode: machine.PinOutput})
		p.Low()
	}

	machine.InitADC()
	PIN_ADC.Configure(machine.PinConfig{Mode: machine.PinInput})
	adc = machine.ADC{Pin: PIN_ADC}
	adc.Configure(machine.ADCConfig{
		Reference:  ADC_REFERENCE_MV,
		Resolution: ADC_RESOLUTION,
	})

	uart.Configure(machine.UARTConfig{
		BaudRate: UART_BAUD_RATE,
	})

	println("# dfr front-end ready, channels", NUM_CHANNELS)

	nextRead = time.Now()
	for {
		processSerial()

		now := time.Now()
		if now.Before(nextRead) {
			continue
		}
		readAll()
		output(now)

		// Late sets are skipped, never bunched up
		nextRead = nextRead.Add(interval)
		if now.Sub(nextRead) > interval {
			nextRead = now.Add(interval)
		}
	}
}

func selectChannel(ch int) {
	for bit, p := range mux {
		if ch&(1<<bit) != 0 {
			p.High()
		} else {
			p.Low()
		}
	}
	time.Sleep(MUX_SETTLE_US * time.Microsecond)
}

func readAll() {
	for ch := range NUM_CHANNELS {
		selectChannel(ch)
		// machine.ADC.Get is scaled to 16 bits
		readings[ch] = adc.Get() >> (16 - ADC_RESOLUTION)
	}
}

func output(now time.Time) {
	// Output format: "unix_micros,c0,c1,c2,c3,c4,c5,c6,c7\n"
	print(now.UnixNano() / 1000)
	for _, v := range readings {
		print(",")
		print(v)
	}
	print("\n")
}

// processSerial accepts "I<micros>\n" to change the sampling interval.
func processSerial() {
	for uart.Buffered() > 0 {
		data, err := uart.ReadByte()
		if err != nil {
			break
		}

		if data == '\n' || data == '\r' {
			if serialPos > 1 && serialBuffer[0] == 'I' {
				setInterval(serialBuffer[1:serialPos])
			}
			serialPos = 0
			continue
		}

		if serialPos < len(serialBuffer) {
			serialBuffer[serialPos] = data
			serialPos++
		} else {
			// Overlong line, drop it
			serialPos = 0
		}
	}
}

func setInterval(digits []byte) {
	var us int
	for _, d := range digits {
		if d < '0' || d > '9' {
			println("# bad interval")
			return
		}
		us = us*10 + int(d-'0')
		if us > MAX_INTERVAL_US {
			us = MAX_INTERVAL_US
		}
	}
	if us < MIN_INTERVAL_US {
		us = MIN_INTERVAL_US
	}
	interval = time.Duration(us) * time.Microsecond
	nextRead = time.Now()
	println("# interval", us)
}
