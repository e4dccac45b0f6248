// Package ota implements the firmware update state machine.
//
// A session walks Checking, Downloading, Verifying and Flashing. The whole
// image is held in memory and verified before the first byte is written, the
// image is written to the inactive slot before the boot record names it, and
// the boot record is only ever replaced atomically. The running image stays
// bootable in every state.
package ota

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/mod/semver"

	"github.com/itohio/dfrnode/pkg/auth"
	"github.com/itohio/dfrnode/pkg/config"
	"github.com/itohio/dfrnode/pkg/errcode"
	"github.com/itohio/dfrnode/pkg/events"
	"github.com/itohio/dfrnode/pkg/flash"
	"github.com/itohio/dfrnode/pkg/metrics"
	"github.com/itohio/dfrnode/pkg/protocol"
	"github.com/itohio/dfrnode/pkg/transport"
)

// Partitions is the flash the manager installs images into. WriteSlot must
// leave the slot unchanged when it fails.
type Partitions interface {
	Boot() (flash.BootRecord, error)
	WriteSlot(s flash.Slot, image []byte) error
	SaveBoot(rec flash.BootRecord) error
}

var _ Partitions = (*flash.Dir)(nil)

// Rebooter restarts the device into the pending image.
type Rebooter interface {
	Reboot(version string)
}

// RebootFunc adapts a function to Rebooter.
type RebootFunc func(version string)

func (f RebootFunc) Reboot(version string) { f(version) }

// Outcome summarizes how a session ended.
type Outcome string

const (
	NoUpdate              Outcome = "no_update"
	AwaitingAuthorization Outcome = "awaiting_authorization"
	Aborted               Outcome = "aborted" // back to Idle before any write; retried next cycle
	Installed             Outcome = "committed"
	Rejected              Outcome = "failed"
)

// Result describes a finished session.
type Result struct {
	Outcome Outcome    `json:"outcome"`
	State   State      `json:"state"`
	Current string     `json:"current"`
	Offered string     `json:"offered,omitempty"`
	Slot    flash.Slot `json:"slot,omitempty"`
	Fatal   bool       `json:"fatal,omitempty"`
	Code    string     `json:"code,omitempty"`
	Error   string     `json:"error,omitempty"`
	At      time.Time  `json:"at"`

	Err error `json:"-"`
}

// Status is a snapshot of the manager.
type Status struct {
	State      State                   `json:"state"`
	Version    string                  `json:"version"`
	AutoUpdate bool                    `json:"autoUpdate"`
	Halted     bool                    `json:"halted"`
	Awaiting   *protocol.FirmwareOffer `json:"awaiting,omitempty"`
	Last       *Result                 `json:"last,omitempty"`
}

// Options configures a Manager.
type Options struct {
	Config    *config.FirmwareConfig
	DeviceID  string
	Transport transport.Transport
	Verifier  auth.Verifier
	Flash     Partitions
	Rebooter  Rebooter
	Events    events.Publisher
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// Manager runs update sessions, one at a time.
type Manager struct {
	cfg      config.FirmwareConfig
	deviceID string
	tr       transport.Transport
	verifier auth.Verifier
	flash    Partitions
	rebooter Rebooter
	events   events.Publisher
	metrics  *metrics.Metrics
	log      *zap.Logger
	now      func() time.Time

	busy    atomic.Bool
	trigger chan struct{}

	mu         sync.Mutex
	state      State
	version    string
	halted     bool
	awaiting   *protocol.FirmwareOffer
	authorized string
	last       *Result
}

// New creates a manager. The running version is taken from the active slot
// of the boot record, falling back to the configured version.
func New(opts Options) (*Manager, error) {
	switch {
	case opts.Config == nil:
		return nil, fmt.Errorf("nil config")
	case opts.Transport == nil:
		return nil, fmt.Errorf("nil transport")
	case opts.Verifier == nil:
		return nil, fmt.Errorf("nil verifier")
	case opts.Flash == nil:
		return nil, fmt.Errorf("nil flash")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	pub := opts.Events
	if pub == nil {
		pub = events.Nop{}
	}

	rec, err := opts.Flash.Boot()
	if err != nil {
		return nil, errcode.New(errcode.Flash, "ota", err)
	}
	version := rec.ActiveVersion()
	if version == "" {
		version = opts.Config.Version
	}

	m := &Manager{
		cfg:      *opts.Config,
		deviceID: opts.DeviceID,
		tr:       opts.Transport,
		verifier: opts.Verifier,
		flash:    opts.Flash,
		rebooter: opts.Rebooter,
		events:   pub,
		metrics:  opts.Metrics,
		log:      log.With(zap.String("component", "ota")),
		now:      time.Now,
		trigger:  make(chan struct{}, 1),
		state:    Idle,
		version:  version,
	}
	m.metrics.OTAState(int(Idle))
	m.metrics.FirmwareVersion(version)
	return m, nil
}

// Version returns the running firmware version.
func (m *Manager) Version() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Halted reports whether a failed rollback stopped the manager.
func (m *Manager) Halted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.halted
}

// Status returns a snapshot for the local status endpoint.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		State:      m.state,
		Version:    m.version,
		AutoUpdate: m.cfg.AutoUpdate,
		Halted:     m.halted,
	}
	if m.awaiting != nil {
		offer := *m.awaiting
		st.Awaiting = &offer
	}
	if m.last != nil {
		last := *m.last
		st.Last = &last
	}
	return st
}

// Authorize allows the next session to install version when auto-update is
// disabled. An empty version authorizes the offer currently awaiting
// authorization. A check is triggered.
func (m *Manager) Authorize(version string) (string, error) {
	m.mu.Lock()
	if version == "" {
		if m.awaiting == nil {
			m.mu.Unlock()
			return "", &errcode.E{C: errcode.NotAuthorized, Op: "authorize", Msg: "no update awaiting authorization"}
		}
		version = m.awaiting.Version
	}
	m.authorized = version
	m.mu.Unlock()

	m.log.Info("update authorized", zap.String("version", version))
	m.Trigger()
	return version, nil
}

// Trigger requests a check without waiting for the next interval.
func (m *Manager) Trigger() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

// Run checks for updates immediately, then every check interval and on
// Trigger, until ctx is done, an update is committed, or the manager halts.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		res, err := m.CheckOnce(ctx)
		if m.Halted() {
			m.log.Error("update manager halted; manual intervention required", zap.Error(err))
			return
		}
		if res.State == Committed {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-m.trigger:
		}
	}
}

// CheckOnce runs one update session. A concurrent call returns errcode.Busy.
func (m *Manager) CheckOnce(ctx context.Context) (Result, error) {
	if !m.busy.CompareAndSwap(false, true) {
		return Result{}, &errcode.E{C: errcode.Busy, Op: "ota", Msg: "update session in progress"}
	}
	defer m.busy.Store(false)

	m.mu.Lock()
	halted, state := m.halted, m.state
	m.mu.Unlock()

	switch {
	case halted:
		return Result{}, &errcode.E{C: errcode.Halted, Op: "ota", Msg: "halted after failed rollback"}
	case state == Committed:
		return Result{}, &errcode.E{C: errcode.Busy, Op: "ota", Msg: "reboot pending"}
	case state == Failed:
		if err := m.to(Idle); err != nil {
			return Result{}, err
		}
	}

	res := m.session(ctx)
	m.finish(ctx, &res)

	if res.State == Committed && m.rebooter != nil {
		m.rebooter.Reboot(res.Offered)
	}
	return res, res.Err
}

// session is the per-check working set.
type session struct {
	current string
	offer   protocol.FirmwareOffer
	image   []byte
	restore flash.BootRecord
	target  flash.Slot
	outcome Outcome
	err     error
	fatal   bool
}

func (s *session) abort(err error) State {
	s.outcome = Aborted
	s.err = err
	return Idle
}

func (s *session) fail(err error) State {
	s.outcome = Rejected
	s.err = err
	return Failed
}

func (m *Manager) session(ctx context.Context) Result {
	s := &session{current: m.Version()}

	next := Checking
	for {
		if err := m.to(next); err != nil {
			s.outcome, s.err = Rejected, err
			break
		}
		if next == Idle || next == Committed || next == Failed {
			break
		}

		switch next {
		case Checking:
			next = m.check(ctx, s)
		case Downloading:
			next = m.download(ctx, s)
		case Verifying:
			next = m.verify(ctx, s)
		case Flashing:
			next = m.install(ctx, s)
		case RollingBack:
			next = m.rollback(s)
		}
	}

	res := Result{
		Outcome: s.outcome,
		State:   m.State(),
		Current: s.current,
		Offered: s.offer.Version,
		Slot:    s.target,
		Fatal:   s.fatal,
		Err:     s.err,
		At:      m.now().UTC(),
	}
	if s.err != nil {
		res.Code = string(errcode.Of(s.err))
		res.Error = s.err.Error()
	}
	return res
}

func (m *Manager) to(next State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := checkTransition(m.state, next); err != nil {
		return err
	}
	m.state = next
	m.metrics.OTAState(int(next))
	return nil
}

// check asks the server for the latest version.
func (m *Manager) check(ctx context.Context, s *session) State {
	q := url.Values{}
	q.Set("version", s.current)
	q.Set("espId", m.deviceID)

	var offer protocol.FirmwareOffer
	if err := m.tr.GetJSON(ctx, protocol.PathFirmwareLatest, q, &offer); err != nil {
		return s.abort(err)
	}
	if !offer.Update || offer.Version == "" {
		s.outcome = NoUpdate
		return Idle
	}

	newer, err := IsNewer(offer.Version, s.current)
	if err != nil {
		return s.abort(errcode.New(errcode.Rejected, "check", err))
	}
	if !newer && !offer.ForceUpdate {
		s.outcome = NoUpdate
		return Idle
	}
	s.offer = offer
	if offer.URL == "" || offer.Signature == "" {
		return s.abort(&errcode.E{C: errcode.Rejected, Op: "check", Msg: "offer without url or signature"})
	}

	if !m.cfg.AutoUpdate && !offer.ForceUpdate && !m.consumeAuthorization(offer) {
		s.outcome = AwaitingAuthorization
		return Idle
	}
	return Downloading
}

// consumeAuthorization reports whether offer was authorized, recording it as
// awaiting authorization otherwise.
func (m *Manager) consumeAuthorization(offer protocol.FirmwareOffer) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.authorized != "" && m.authorized == offer.Version {
		m.authorized = ""
		m.awaiting = nil
		return true
	}
	m.awaiting = &offer
	return false
}

func (m *Manager) download(ctx context.Context, s *session) State {
	dctx, cancel := context.WithTimeout(ctx, m.cfg.DownloadTimeout)
	defer cancel()

	image, err := m.tr.Download(dctx, s.offer.URL, m.cfg.MaxImageSize)
	if err != nil {
		if errcode.Is(err, errcode.TooLarge) {
			return s.fail(err)
		}
		return s.abort(err)
	}
	if s.offer.Size > 0 && int64(len(image)) != s.offer.Size {
		return s.fail(&errcode.E{C: errcode.Integrity, Op: "download",
			Msg: fmt.Sprintf("got %d bytes, offer says %d", len(image), s.offer.Size)})
	}
	s.image = image
	return Verifying
}

// verify checks the staged image against the offered signature and digest.
func (m *Manager) verify(ctx context.Context, s *session) State {
	vctx, cancel := context.WithTimeout(ctx, m.cfg.VerifyTimeout)
	defer cancel()

	image, signature, digest := s.image, s.offer.Signature, s.offer.SHA256
	done := make(chan error, 1)
	go func() {
		if err := m.verifier.Verify(image, signature); err != nil {
			done <- err
			return
		}
		if digest != "" {
			done <- auth.VerifyDigest(image, digest)
			return
		}
		done <- nil
	}()

	select {
	case err := <-done:
		if err != nil {
			s.image = nil
			return s.fail(errcode.New(errcode.Integrity, "verify", err))
		}
	case <-vctx.Done():
		s.image = nil
		if ctx.Err() != nil {
			return s.abort(errcode.New(errcode.Canceled, "verify", ctx.Err()))
		}
		return s.fail(errcode.New(errcode.Timeout, "verify", vctx.Err()))
	}

	if err := ctx.Err(); err != nil {
		s.image = nil
		return s.abort(errcode.New(errcode.Canceled, "verify", err))
	}
	return Flashing
}

// install writes the verified image to the inactive slot and marks it
// pending-boot.
func (m *Manager) install(ctx context.Context, s *session) State {
	rec, err := m.flash.Boot()
	if err != nil {
		return s.fail(errcode.New(errcode.Flash, "flash", err))
	}
	target := rec.Active.Other()
	s.target = target
	s.restore = rec

	// A failed write leaves the slot as it was, so the original record,
	// rollback target included, is still accurate.
	if err := m.flash.WriteSlot(target, s.image); err != nil {
		s.err = errcode.New(errcode.Flash, "flash", err)
		return RollingBack
	}
	s.image = nil

	// The target slot no longer holds its old image.
	written := rec
	written.Pending = ""
	if written.RollbackVersion != "" && written.RollbackVersion == rec.Version(target) {
		written.RollbackVersion = ""
		written.RollbackValid = false
	}
	written.SetVersion(target, "")
	s.restore = written

	if err := ctx.Err(); err != nil {
		if serr := m.flash.SaveBoot(written); serr != nil {
			s.err = errcode.New(errcode.Flash, "flash", serr)
			return RollingBack
		}
		return s.fail(errcode.New(errcode.Canceled, "flash", err))
	}

	next := written
	next.SetVersion(target, s.offer.Version)
	next.Pending = target
	if err := m.flash.SaveBoot(next); err != nil {
		s.err = errcode.New(errcode.Flash, "flash", err)
		return RollingBack
	}

	s.outcome = Installed
	s.err = nil
	return Committed
}

// rollback restores the boot record that names the running image.
func (m *Manager) rollback(s *session) State {
	if err := m.flash.SaveBoot(s.restore); err != nil {
		s.fatal = true
		s.err = &errcode.E{C: errcode.Rollback, Op: "rollback", Msg: errMsg(s.err), Err: err}
		m.mu.Lock()
		m.halted = true
		m.mu.Unlock()
	}
	s.outcome = Rejected
	return Failed
}

func errMsg(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// finish records, logs, reports and publishes a session result.
func (m *Manager) finish(ctx context.Context, res *Result) {
	m.mu.Lock()
	last := *res
	m.last = &last
	m.mu.Unlock()

	m.metrics.OTASession(string(res.Outcome))

	fields := []zap.Field{
		zap.String("outcome", string(res.Outcome)),
		zap.String("state", res.State.String()),
		zap.String("current", res.Current),
	}
	if res.Offered != "" {
		fields = append(fields, zap.String("offered", res.Offered))
	}
	if res.Err != nil {
		fields = append(fields, zap.String("code", res.Code), zap.Error(res.Err))
	}
	switch {
	case res.Fatal:
		m.log.Error("rollback failed", fields...)
	case res.Outcome == Rejected:
		m.log.Error("update failed", fields...)
	case res.Outcome == Aborted:
		m.log.Warn("update check aborted", fields...)
	case res.Outcome == Installed:
		m.log.Info("update committed, rebooting", fields...)
	case res.Outcome == AwaitingAuthorization:
		m.log.Info("update awaiting authorization", fields...)
	default:
		m.log.Debug("no update", fields...)
	}

	if res.Outcome == NoUpdate {
		return
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if res.Outcome != Aborted {
		status := protocol.OTAStatus{
			EspID:    m.deviceID,
			Version:  res.Current,
			Offered:  res.Offered,
			State:    string(res.Outcome),
			Error:    res.Error,
			Datetime: res.At,
		}
		if err := m.tr.PostJSON(rctx, protocol.PathFirmwareStatus, status, nil); err != nil {
			m.log.Warn("failed to report update status", zap.Error(err))
		}
	}
	if err := m.events.Publish(rctx, events.TopicOTA, res); err != nil && !errors.Is(err, context.Canceled) {
		m.log.Warn("failed to publish update event", zap.Error(err))
	}
}

// IsNewer reports whether offered is a higher semantic version than current.
// A leading "v" is optional. An unparsable current version is treated as older.
func IsNewer(offered, current string) (bool, error) {
	o, c := canonical(offered), canonical(current)
	if !semver.IsValid(o) {
		return false, fmt.Errorf("invalid offered version %q", offered)
	}
	if !semver.IsValid(c) {
		return true, nil
	}
	return semver.Compare(o, c) > 0, nil
}

func canonical(v string) string {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}
