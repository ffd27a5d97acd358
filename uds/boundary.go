package uds

import (
	"errors"
	"sync/atomic"

	"github.com/rnd-ash/ecu-diagnostics/channel"
	"github.com/rnd-ash/ecu-diagnostics/services"
)

// Payload is a service request or response crossing the API boundary.
// On a successful round trip the SID matches the request and Args holds
// the response arguments.
type Payload struct {
	SID  ServiceID
	Args []byte
}

// Last NRC seen by any server created through this boundary. Survives
// server teardown so callers can inspect the failure after cleanup.
var boundaryLastNRC uint32 // atomic, NRC + 1, 0 when none

// RegisterChannel installs the channel the next diagnostic server will run
// on. Only one channel may be registered at a time; a second registration
// fails with channel.ErrCallbackAlreadyExists until DeregisterChannel.
func RegisterChannel(ch channel.IsoTPChannel) error {
	if err := services.Register(services.ServiceChannel, ch); err != nil {
		if errors.Is(err, services.ErrAlreadyRegistered) {
			return channel.ErrCallbackAlreadyExists
		}
		return err
	}
	return nil
}

// DeregisterChannel releases the registered channel slot. Safe to call when
// no channel is registered.
func DeregisterChannel() {
	services.Deregister(services.ServiceChannel)
}

// CreateServerOverISOTP starts a diagnostic server on the registered
// channel. Exactly one server may exist at a time.
func CreateServerOverISOTP(cfg channel.Config, opts ServerOptions) (*Server, error) {
	svc, ok := services.Get(services.ServiceChannel)
	if !ok {
		return nil, ErrNoHandler
	}
	ch, ok := svc.(channel.IsoTPChannel)
	if !ok {
		return nil, ErrNoHandler
	}
	if _, running := services.Get(services.ServiceServer); running {
		return nil, ErrServerAlreadyRunning
	}

	srv, err := NewServer(ch, cfg, opts)
	if err != nil {
		return nil, err
	}
	if err := services.Register(services.ServiceServer, srv); err != nil {
		// Lost a registration race. This server must not keep the channel.
		_ = srv.Close()
		return nil, ErrServerAlreadyRunning
	}
	return srv, nil
}

// GetServer returns the running diagnostic server, if any.
func GetServer() (*Server, error) {
	svc, ok := services.Get(services.ServiceServer)
	if !ok {
		return nil, ErrNoDiagnosticServer
	}
	srv, ok := svc.(*Server)
	if !ok || !srv.IsRunning() {
		return nil, ErrServerNotRunning
	}
	return srv, nil
}

// SendPayload executes a request on the running server. When wantResponse
// is set and the ECU answers positively, p is updated in place with the
// response; on any failure p is left untouched.
func SendPayload(p *Payload, wantResponse bool) error {
	if p == nil {
		return ErrParameterInvalid
	}
	srv, err := GetServer()
	if err != nil {
		return err
	}

	if !wantResponse {
		return recordNRC(srv.Execute(p.SID, p.Args))
	}

	resp, err := srv.ExecuteWithResponse(p.SID, p.Args)
	if err != nil {
		return recordNRC(err)
	}
	if len(resp) == 0 {
		return ErrEmptyResponse
	}
	p.SID = ServiceID(resp[0])
	p.Args = append([]byte(nil), resp[1:]...)
	return nil
}

// LastECUError returns the NRC of the most recent negative response seen
// through SendPayload, or 0 when none has occurred.
func LastECUError() byte {
	v := atomic.LoadUint32(&boundaryLastNRC)
	if v == 0 {
		return 0
	}
	return byte(v - 1)
}

// DestroyServer stops and releases the running server. Calling it with no
// server running is a no-op success.
func DestroyServer() error {
	svc, ok := services.Get(services.ServiceServer)
	if !ok {
		return nil
	}
	var err error
	if srv, ok := svc.(*Server); ok {
		// Stop the keepalive and close the channel before freeing the
		// slot, so a replacement server never races a live one.
		err = srv.Close()
	}
	services.Deregister(services.ServiceServer)
	return err
}

func recordNRC(err error) error {
	var ecuErr *ECUError
	if errors.As(err, &ecuErr) {
		atomic.StoreUint32(&boundaryLastNRC, uint32(ecuErr.Code)+1)
	}
	return err
}
