// Package uds implements a UDS (ISO 14229) diagnostic server that talks to
// an ECU over an ISO-TP channel. The server owns the request/response cycle,
// negative-response handling and the background tester-present keepalive.
package uds

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/rnd-ash/ecu-diagnostics/channel"
	"github.com/rnd-ash/ecu-diagnostics/logging"
)

const (
	// DefaultRefreshInterval is how often the keepalive loop wakes up to
	// check whether a tester-present ping is due.
	DefaultRefreshInterval = 10 * time.Millisecond
	// DefaultBusyRetryLimit is how many times a request is resent when the
	// ECU answers busy-repeat-request.
	DefaultBusyRetryLimit = 3
	// responsePendingTimeout is the minimum read window granted after the
	// ECU signals response-pending.
	responsePendingTimeout = 2 * time.Second
)

// EventHandler receives lifecycle notifications from a running server.
// Any field may be left nil.
type EventHandler struct {
	// OnServerStart fires once the channel is open and the server is live.
	OnServerStart func()
	// OnServerExit fires after the channel has been closed.
	OnServerExit func()
	// OnTesterPresentError fires when a background keepalive ping fails.
	// The session with the ECU may have been lost.
	OnTesterPresentError func(err error)
}

// ServerOptions configures a diagnostic server instance.
type ServerOptions struct {
	// SendID is the address the ECU listens on.
	SendID uint32
	// RecvID is the address the ECU answers from.
	RecvID uint32
	// ReadTimeout bounds how long a request waits for the ECU's response.
	ReadTimeout time.Duration
	// WriteTimeout bounds how long a payload transmission may take.
	WriteTimeout time.Duration
	// TesterPresentAddress is the address keepalive pings are sent to.
	// Zero disables the keepalive entirely.
	TesterPresentAddress uint32
	// TesterPresentInterval is the idle time after which a keepalive ping
	// is sent. Ignored when TesterPresentAddress is zero.
	TesterPresentInterval time.Duration
	// TesterPresentRequireResponse asks the ECU to acknowledge keepalive
	// pings instead of staying silent.
	TesterPresentRequireResponse bool
	// RefreshInterval is the keepalive loop's polling period. Zero selects
	// DefaultRefreshInterval.
	RefreshInterval time.Duration
	// BusyRetryLimit caps resends on busy-repeat-request. Zero selects
	// DefaultBusyRetryLimit.
	BusyRetryLimit uint
	// Handler receives server lifecycle events.
	Handler EventHandler
}

// Validate checks the options for values the server cannot operate with.
func (o ServerOptions) Validate() error {
	if o.SendID == 0 || o.RecvID == 0 {
		return fmt.Errorf("send and receive addresses must be non-zero: %w", ErrParameterInvalid)
	}
	if o.SendID == o.RecvID {
		return fmt.Errorf("send and receive addresses must differ: %w", ErrParameterInvalid)
	}
	if o.ReadTimeout <= 0 || o.WriteTimeout <= 0 {
		return fmt.Errorf("read and write timeouts must be positive: %w", ErrParameterInvalid)
	}
	if o.TesterPresentAddress != 0 && o.TesterPresentInterval <= 0 {
		return fmt.Errorf("tester present interval must be positive when keepalive is enabled: %w", ErrParameterInvalid)
	}
	return nil
}

// Server is a UDS diagnostic server bound to one ISO-TP channel. All methods
// are safe for concurrent use; requests are serialized on the channel.
type Server struct {
	opts ServerOptions
	ch   channel.IsoTPChannel

	reqMu        sync.Mutex // serializes access to the channel
	isRunning    int32      // atomic, 1 while the server owns the channel
	lastActivity int64      // atomic, unix nanos of the last completed request
	lastNRC      uint32     // atomic, most recent NRC + 1, 0 when none
	dtcFormat    uint32     // atomic, DTCFormat + 1, 0 until a count query reveals it

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewServer configures the channel, opens it and starts the keepalive loop.
// On any setup failure the channel is left closed and the error is wrapped
// in a HandlerError.
func NewServer(ch channel.IsoTPChannel, cfg channel.Config, opts ServerOptions) (*Server, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrParameterInvalid)
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = DefaultRefreshInterval
	}
	if opts.BusyRetryLimit == 0 {
		opts.BusyRetryLimit = DefaultBusyRetryLimit
	}

	if err := ch.SetIDs(opts.SendID, opts.RecvID); err != nil {
		return nil, &HandlerError{Err: err}
	}
	if err := ch.Configure(cfg); err != nil {
		return nil, &HandlerError{Err: err}
	}
	if err := ch.Open(); err != nil {
		return nil, &HandlerError{Err: err}
	}

	s := &Server{
		opts: opts,
		ch:   ch,
		stop: make(chan struct{}),
	}
	atomic.StoreInt32(&s.isRunning, 1)
	atomic.StoreInt64(&s.lastActivity, time.Now().UnixNano())

	if opts.TesterPresentAddress != 0 {
		s.wg.Add(1)
		go s.keepAlive()
	}

	logging.Get().WriteToLog(fmt.Sprintf("uds: server started (send 0x%X, recv 0x%X)", opts.SendID, opts.RecvID), logging.LogTypeLog)
	if opts.Handler.OnServerStart != nil {
		opts.Handler.OnServerStart()
	}
	return s, nil
}

// IsRunning reports whether the server still owns its channel.
func (s *Server) IsRunning() bool {
	return atomic.LoadInt32(&s.isRunning) == 1
}

// LastECUError returns the NRC of the most recent negative response, or
// 0 when the ECU has not rejected a request since the server started.
func (s *Server) LastECUError() byte {
	v := atomic.LoadUint32(&s.lastNRC)
	if v == 0 {
		return 0
	}
	return byte(v - 1)
}

// Execute sends a request and discards the positive response. Negative
// responses still surface as an ECUError.
func (s *Server) Execute(sid ServiceID, args []byte) error {
	_, err := s.request(sid, args, false)
	return err
}

// ExecuteWithResponse sends a request and returns the ECU's positive
// response. The first byte of the result is the original service ID; the
// rest is the response payload.
func (s *Server) ExecuteWithResponse(sid ServiceID, args []byte) ([]byte, error) {
	return s.request(sid, args, true)
}

func (s *Server) request(sid ServiceID, args []byte, wantResponse bool) ([]byte, error) {
	if !s.IsRunning() {
		return nil, ErrServerNotRunning
	}

	req := make([]byte, 0, len(args)+1)
	req = append(req, byte(sid))
	req = append(req, args...)
	payload, err := channel.NewPayload(s.opts.SendID, req)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrParameterInvalid)
	}

	s.reqMu.Lock()
	defer s.reqMu.Unlock()

	// Re-check now that we hold the channel: Close may have won the race
	// between the entry check and the lock.
	if !s.IsRunning() {
		return nil, ErrServerNotRunning
	}

	var resp []byte
	err = retry.Do(
		func() error {
			var exErr error
			resp, exErr = s.exchange(payload, wantResponse)
			return exErr
		},
		retry.Attempts(s.opts.BusyRetryLimit+1),
		retry.Delay(s.opts.RefreshInterval),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var ecuErr *ECUError
			return errors.As(err, &ecuErr) && ecuErr.Code == NRCBusyRepeatRequest
		}),
	)
	atomic.StoreInt64(&s.lastActivity, time.Now().UnixNano())
	if err != nil {
		var ecuErr *ECUError
		if errors.As(err, &ecuErr) {
			atomic.StoreUint32(&s.lastNRC, uint32(ecuErr.Code)+1)
		}
		return nil, err
	}
	return resp, nil
}

// exchange performs one write/read cycle on the locked channel. The response
// it returns has the positive-response offset stripped, so the first byte
// always matches the request's service ID.
func (s *Server) exchange(payload channel.Payload, wantResponse bool) ([]byte, error) {
	if err := s.ch.ClearTxBuffer(); err != nil {
		return nil, &HandlerError{Err: err}
	}
	if err := s.ch.ClearRxBuffer(); err != nil {
		return nil, &HandlerError{Err: err}
	}

	logging.Get().WriteToLog(fmt.Sprintf("uds: tx 0x%X % X", payload.Address, payload.Data), logging.LogTypeBusTraffic)
	if err := s.ch.WriteBytes(payload, s.opts.WriteTimeout); err != nil {
		return nil, &HandlerError{Err: err}
	}
	if !wantResponse {
		return nil, nil
	}

	sid := payload.Data[0]
	readTimeout := s.opts.ReadTimeout
	for {
		resp, err := s.ch.ReadBytes(readTimeout)
		if err != nil {
			return nil, &HandlerError{Err: err}
		}
		logging.Get().WriteToLog(fmt.Sprintf("uds: rx 0x%X % X", resp.Address, resp.Data), logging.LogTypeBusTraffic)
		if len(resp.Data) == 0 {
			return nil, ErrEmptyResponse
		}

		if resp.Data[0] == NegativeResponseByte {
			if len(resp.Data) < 3 {
				return nil, ErrInvalidResponseLength
			}
			nrc := resp.Data[2]
			if nrc == NRCRequestCorrectlyReceivedResponsePending {
				// The ECU is still working. Keep waiting with an
				// extended window.
				if readTimeout < responsePendingTimeout {
					readTimeout = responsePendingTimeout
				}
				continue
			}
			return nil, &ECUError{Code: nrc}
		}

		switch resp.Data[0] {
		case sid + PositiveResponseServiceIDOffset:
			resp.Data[0] = sid
			return resp.Data, nil
		case sid:
			return resp.Data, nil
		default:
			return nil, fmt.Errorf("expected response to 0x%02X, got 0x%02X: %w", sid, resp.Data[0], ErrWrongMessage)
		}
	}
}

// keepAlive periodically pings the ECU with tester-present so the active
// diagnostic session does not fall back to default while the caller is idle.
// Any request made through the server resets the idle clock.
func (s *Server) keepAlive() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.RefreshInterval)
	defer ticker.Stop()

	sub := TesterPresentNoResponse
	if s.opts.TesterPresentRequireResponse {
		sub = TesterPresentResponseRequired
	}

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}

		idle := time.Since(time.Unix(0, atomic.LoadInt64(&s.lastActivity)))
		if idle < s.opts.TesterPresentInterval {
			continue
		}
		if err := s.sendTesterPresent(sub); err != nil {
			logging.Get().WriteToLog(fmt.Sprintf("uds: tester present failed: %v", err), logging.LogTypeLog)
			if s.opts.Handler.OnTesterPresentError != nil {
				s.opts.Handler.OnTesterPresentError(err)
			}
		}
	}
}

func (s *Server) sendTesterPresent(sub byte) error {
	payload := channel.Payload{
		Address: s.opts.TesterPresentAddress,
		Data:    []byte{byte(ServiceTesterPresent), sub},
	}

	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	_, err := s.exchange(payload, s.opts.TesterPresentRequireResponse)
	atomic.StoreInt64(&s.lastActivity, time.Now().UnixNano())
	return err
}

// Close stops the keepalive loop and releases the channel. It is safe to
// call more than once; only the first call does any work.
func (s *Server) Close() error {
	if !atomic.CompareAndSwapInt32(&s.isRunning, 1, 0) {
		return nil
	}
	close(s.stop)
	s.wg.Wait()

	// Wait out any caller exchange already holding the channel, so no
	// callback fires after Close returns.
	s.reqMu.Lock()
	err := s.ch.Close()
	s.reqMu.Unlock()
	logging.Get().WriteToLog("uds: server stopped", logging.LogTypeLog)
	if s.opts.Handler.OnServerExit != nil {
		s.opts.Handler.OnServerExit()
	}
	if err != nil {
		return &HandlerError{Err: err}
	}
	return nil
}
