package election

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"
)

// --------------------------------------------------------------------------
// Acceptor-side network service
// --------------------------------------------------------------------------

// Service serves one acceptor over a network listener. Conversations are
// newline-delimited text records as produced by Encode.
type Service struct {
	acceptor *Acceptor
	listener net.Listener
	timeout  time.Duration
}

// NewService creates the network front end for an acceptor. The timeout
// bounds each read/write on an election connection.
func NewService(acceptor *Acceptor, timeout time.Duration) *Service {
	return &Service{acceptor: acceptor, timeout: timeout}
}

// Serve accepts election connections until the listener is closed.
func (s *Service) Serve(listener net.Listener) error {
	s.listener = listener
	log.Infof("acceptor %s serving elections on %s", s.acceptor.Name(), listener.Addr())

	for {
		conn, err := listener.Accept()
		if err != nil {
			return err
		}
		go s.handleConnection(conn)
	}
}

// Close stops the service.
func (s *Service) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

// handleConnection answers election requests on one connection until the
// peer closes it or a deadline fires.
func (s *Service) handleConnection(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	for {
		if s.timeout > 0 {
			if err := conn.SetDeadline(time.Now().Add(s.timeout)); err != nil {
				return
			}
		}
		if !scanner.Scan() {
			return
		}

		req, err := Decode(scanner.Text())
		var resp Message
		if err != nil {
			log.Warningf("malformed election record from %s: %v", conn.RemoteAddr(), err)
			resp = NewProtocolError(ZeroProposal, err.Error())
		} else {
			resp = s.acceptor.Handle(req)
		}

		record, err := Encode(resp)
		if err != nil {
			log.Errorf("failed to encode election reply: %v", err)
			return
		}
		if _, err := fmt.Fprintln(conn, record); err != nil {
			return
		}
	}
}

// --------------------------------------------------------------------------
// Proposer-side network exchanger
// --------------------------------------------------------------------------

// tcpExchanger implements Exchanger with one short-lived connection per
// exchange. Election traffic is rare enough that connection reuse is not
// worth the bookkeeping.
type tcpExchanger struct {
}

// NewTCPExchanger creates a network exchanger for the proposer.
func NewTCPExchanger() Exchanger {
	return &tcpExchanger{}
}

func (e *tcpExchanger) Exchange(ctx context.Context, acceptor string, req Message) (Message, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", acceptor)
	if err != nil {
		return Message{}, fmt.Errorf("failed to reach acceptor %s: %w", acceptor, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return Message{}, err
		}
	}

	record, err := Encode(req)
	if err != nil {
		return Message{}, err
	}
	if _, err := fmt.Fprintln(conn, record); err != nil {
		return Message{}, err
	}

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return Message{}, err
		}
		return Message{}, fmt.Errorf("acceptor %s closed the connection", acceptor)
	}
	return Decode(scanner.Text())
}
