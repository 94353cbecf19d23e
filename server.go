package smtpd

import (
	"crypto/tls"
	"fmt"
	"net"

	"github.com/asmtpd/smtpd/internal/log"
	"github.com/asmtpd/smtpd/internal/maillog"
	"github.com/asmtpd/smtpd/internal/systemd"
)

// Server accepts connections on one or more listeners and runs them
// through the SMTP/LMTP protocol state machine defined by opts.
type Server struct {
	opts *Options

	addrs     map[SocketMode][]string
	listeners map[SocketMode][]net.Listener
}

// NewServer returns a Server configured by opts. opts is not copied;
// mutating it after Serve has started is a race.
func NewServer(opts *Options) *Server {
	return &Server{
		opts:      opts,
		addrs:     map[SocketMode][]string{},
		listeners: map[SocketMode][]net.Listener{},
	}
}

// AddAddr registers an address for the server to listen on, once
// ListenAndServe is called.
func (s *Server) AddAddr(addr string, mode SocketMode) {
	s.addrs[mode] = append(s.addrs[mode], addr)
}

// AddListener registers an already-open listener (for example one
// obtained from systemd socket activation, or a net.Listener set up by
// the caller for testing).
func (s *Server) AddListener(l net.Listener, mode SocketMode) {
	s.listeners[mode] = append(s.listeners[mode], l)
}

// AddSystemdListeners adds every listener systemd passed us via socket
// activation, matching the well-known socket names "smtp", "submission",
// "submissions" and "lmtp" to the corresponding SocketMode.
func (s *Server) AddSystemdListeners() error {
	named, err := systemd.Listeners()
	if err != nil {
		return err
	}

	modeByName := map[string]SocketMode{
		"smtp":        ModeSMTP,
		"submission":  ModeSMTP,
		"submissions": ModeSMTPOverTLS,
		"lmtp":        ModeLMTP,
	}

	for name, ls := range named {
		mode, ok := modeByName[name]
		if !ok {
			return fmt.Errorf("unknown systemd socket name %q", name)
		}
		s.listeners[mode] = append(s.listeners[mode], ls...)
	}
	return nil
}

// ListenAndServe opens every registered address, then serves all
// registered addresses and listeners. It returns as soon as any one
// listener fails, with that listener's error.
func (s *Server) ListenAndServe() error {
	if s.opts.TLSConfig == nil {
		for mode := range s.addrs {
			if mode.TLS {
				return fmt.Errorf("smtpd: TLSConfig required for a TLS-wrapped listener")
			}
		}
	}

	errc := make(chan error, 1)
	count := 0

	for mode, addrs := range s.addrs {
		for _, addr := range addrs {
			l, err := net.Listen("tcp", addr)
			if err != nil {
				return err
			}
			log.Infof("smtpd: listening on %s (lmtp=%v tls=%v)", addr, mode.LMTP, mode.TLS)
			maillog.Listening(addr)
			count++
			go s.serve(l, mode, errc)
		}
	}

	for mode, ls := range s.listeners {
		for _, l := range ls {
			log.Infof("smtpd: listening on %s (lmtp=%v tls=%v, inherited)", l.Addr(), mode.LMTP, mode.TLS)
			maillog.Listening(l.Addr().String())
			count++
			go s.serve(l, mode, errc)
		}
	}

	if count == 0 {
		return fmt.Errorf("smtpd: no listeners configured")
	}

	return <-errc
}

func (s *Server) serve(l net.Listener, mode SocketMode, errc chan<- error) {
	if mode.TLS {
		if s.opts.TLSConfig == nil {
			errc <- fmt.Errorf("smtpd: TLS-wrapped listener %s with no TLSConfig", l.Addr())
			return
		}
		l = tls.NewListener(l, s.opts.TLSConfig)
	}

	for {
		nc, err := l.Accept()
		if err != nil {
			errc <- err
			return
		}
		c := newConn(s, nc, mode)
		go c.Handle()
	}
}
