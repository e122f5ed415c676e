package minired

import (
	"context"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const DefaultAddr = "127.0.0.1:6379"

type Options struct {
	// Addr is the host:port to listen on, DefaultAddr if empty.
	Addr string
	// Logger defaults to a timestamped stdout logger.
	Logger *zerolog.Logger
}

// Server ties the store, the expiry engine and the executor to a TCP
// listener. One session goroutine runs per accepted connection; one sweeper
// goroutine runs for the server's lifetime.
type Server struct {
	opts   Options
	log    zerolog.Logger
	store  *Store
	expiry *ExpiryManager
	exec   *Executor

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	wg     sync.WaitGroup
	closed uint32
}

func NewServer(opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = DefaultAddr
	}

	var log zerolog.Logger
	if opts.Logger != nil {
		log = *opts.Logger
	} else {
		log = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	store := NewStore()
	expiry := NewExpiryManager(store, log)

	return &Server{
		opts:   opts,
		log:    log,
		store:  store,
		expiry: expiry,
		exec:   NewExecutor(store, expiry),
		conns:  make(map[net.Conn]struct{}),
	}
}

// ListenAndServe binds the configured address and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}

	return s.Serve(ln)
}

// Serve starts the active expiry sweeper and accepts connections on ln until
// Shutdown. It returns nil after a Shutdown-initiated stop.
func (s *Server) Serve(ln net.Listener) error {
	if err := s.expiry.Start(); err != nil {
		ln.Close()
		return err
	}
	defer s.expiry.Stop()

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("server listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return nil
			}
			return err
		}

		s.trackConn(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.trackConn(conn, false)
			newSession(conn, s.exec, s.log).serve()
		}()
	}
}

// Shutdown stops accepting, stops the sweeper, closes live connections and
// waits for their sessions to finish or ctx to expire. It is idempotent.
func (s *Server) Shutdown(ctx context.Context) error {
	if !atomic.CompareAndSwapUint32(&s.closed, 0, 1) {
		return nil
	}

	s.log.Info().Msg("shutting down")

	s.mu.Lock()
	if s.ln != nil {
		s.ln.Close()
	}
	s.mu.Unlock()

	s.expiry.Stop()

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info().Msg("server stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) isClosed() bool {
	return atomic.LoadUint32(&s.closed) == 1
}

func (s *Server) trackConn(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}
