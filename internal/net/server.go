package net

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	. "swapbook/internal/common"
	"swapbook/internal/engine"
	"swapbook/internal/utils"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"
)

const (
	defaultNWorkers     = 10
	defaultWriteTimeout = time.Second
)

var (
	ErrImproperConversion = errors.New("improper type conversion")
	ErrClientDoesNotExist = errors.New("client does not exist")
)

// Ledger is the order surface the server drives.
type Ledger interface {
	Place(maker Address, sellAsset, buyAsset AssetID, sellAmount, buyAmount uint64) (OrderID, error)
	Take(taker Address, id OrderID) error
	Order(id OrderID) (Order, bool)
}

// Accounts is the asset surface the server exposes to clients.
type Accounts interface {
	Custodian() Address
	Approve(owner, spender Address, asset AssetID, amount uint64)
	BalanceOf(holder Address, asset AssetID) uint64
}

// ClientSession contains relevant information pertaining to an individual
// connected TCP session.
type ClientSession struct {
	id        uuid.UUID
	conn      net.Conn
	writeLock sync.Mutex
}

func (c *ClientSession) send(report Report) error {
	payload, err := report.Serialize()
	if err != nil {
		return err
	}

	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout)); err != nil {
		return err
	}
	return WriteFrame(c.conn, payload)
}

// ClientMessage links a message to the client sending it. done is closed
// once the reply has been written.
type ClientMessage struct {
	session *ClientSession
	message Message
	done    chan struct{}
}

type Server struct {
	address  string
	port     int
	ledger   Ledger
	accounts Accounts
	pool     *utils.WorkerPool

	clientSessions     map[uuid.UUID]*ClientSession
	clientSessionsLock sync.Mutex
	cancel             context.CancelFunc
}

var _ engine.Reporter = (*Server)(nil)

func New(address string, port int, workers uint, ledger Ledger, accounts Accounts) *Server {
	if workers == 0 {
		workers = defaultNWorkers
	}
	return &Server{
		address:        address,
		port:           port,
		ledger:         ledger,
		accounts:       accounts,
		pool:           utils.NewWorkerPool(workers),
		clientSessions: make(map[uuid.UUID]*ClientSession),
	}
}

func (s *Server) Shutdown() {
	log.Info().Msg("server shutting down")

	s.clientSessionsLock.Lock()
	cancel := s.cancel
	s.clientSessionsLock.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", fmt.Sprintf("%s:%d", s.address, s.port))
	if err != nil {
		log.Error().Err(err).Msg("unable to start listener")
		return err
	}
	return s.Serve(ctx, listener)
}

// Serve accepts clients on listener until ctx is done or Shutdown is called.
// The listener and every client connection are closed on return.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	s.clientSessionsLock.Lock()
	s.cancel = cancel
	s.clientSessionsLock.Unlock()
	defer cancel()

	t, _ := tomb.WithContext(ctx)

	// Start the worker pool.
	s.pool.Setup(t, s.handleRequest)

	// Unblock Accept and every session read once we start dying.
	t.Go(func() error {
		<-t.Dying()
		if err := listener.Close(); err != nil {
			log.Error().Err(err).Msg("unable to close listener")
		}
		s.closeClientSessions()
		return nil
	})

	t.Go(func() error {
		return s.acceptLoop(t, listener)
	})

	log.Info().Str("address", listener.Addr().String()).Msg("server running")
	err := t.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Server) acceptLoop(t *tomb.Tomb, listener net.Listener) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-t.Dying():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Error().Err(err).Msg("error accepting client")
			continue
		}

		session := s.addClientSession(conn)
		select {
		case <-t.Dying():
			// Raced with shutdown after the sessions were closed.
			s.deleteClientSession(session.id)
			return nil
		default:
		}
		log.Info().
			Str("session", session.id.String()).
			Str("address", conn.RemoteAddr().String()).
			Msg("new client added")

		t.Go(func() error {
			s.readSession(t, session)
			return nil
		})
	}
}

// readSession reads frames off one connection and hands parsed messages to
// the worker pool. It returns once the client goes away or the server dies.
func (s *Server) readSession(t *tomb.Tomb, session *ClientSession) {
	defer s.deleteClientSession(session.id)

	for {
		frame, err := ReadFrame(session.conn)
		if err != nil {
			select {
			case <-t.Dying():
				return
			default:
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				log.Info().Str("session", session.id.String()).Msg("client disconnected")
			} else {
				log.Error().
					Err(err).
					Str("session", session.id.String()).
					Msg("error reading from connection")
			}
			return
		}

		message, err := ParseMessage(frame)
		if err != nil {
			log.Warn().
				Err(err).
				Str("session", session.id.String()).
				Msg("error parsing message")
			// Framing is intact, so the session can carry on.
			s.reply(session, errorReport(CodeMalformedRequest, err, s.timestamp()))
			continue
		}

		// Wait for the reply before reading on, so one client's requests
		// are executed in the order they were sent.
		cm := ClientMessage{session: session, message: message, done: make(chan struct{})}
		if !s.pool.AddTask(t, cm) {
			return
		}
		select {
		case <-cm.done:
		case <-t.Dying():
			return
		}
	}
}

// handleRequest executes one client message against the ledger and replies
// on the sender's session. Request failures are reported to the client, not
// returned: any error returned from here is fatal to the server.
func (s *Server) handleRequest(t *tomb.Tomb, task any) error {
	cm, ok := task.(ClientMessage)
	if !ok {
		return ErrImproperConversion
	}
	defer close(cm.done)

	log.Debug().
		Str("session", cm.session.id.String()).
		Int("message type", int(cm.message.GetType())).
		Msg("new message")

	s.reply(cm.session, s.execute(cm.message))
	return nil
}

func (s *Server) execute(message Message) Report {
	ts := s.timestamp()

	switch m := message.(type) {
	case ApproveMessage:
		if m.Username == s.accounts.Custodian() {
			return errorReport(CodeInvalidParameters, engine.ErrCustodyParty, ts)
		}
		s.accounts.Approve(m.Username, s.accounts.Custodian(), m.Asset, m.Amount)
		return Report{MessageType: AckReport, Timestamp: ts, SellAsset: m.Asset, SellAmount: m.Amount}

	case PlaceOrderMessage:
		id, err := s.ledger.Place(m.Username, m.SellAsset, m.BuyAsset, m.SellAmount, m.BuyAmount)
		if err != nil {
			return errorReport(classify(err), err, ts)
		}
		return Report{MessageType: AckReport, Timestamp: ts, OrderID: id}

	case TakeOrderMessage:
		if err := s.ledger.Take(m.Username, m.OrderID); err != nil {
			return errorReport(classify(err), err, ts)
		}
		return Report{MessageType: AckReport, Timestamp: ts, OrderID: m.OrderID, Finished: true}

	case QueryOrderMessage:
		order, ok := s.ledger.Order(m.OrderID)
		if !ok {
			err := fmt.Errorf("%w: %d", engine.ErrUnknownOrder, m.OrderID)
			return errorReport(CodeUnknownOrder, err, ts)
		}
		return orderReport(OrderInfoReport, order, "", ts)

	case BalanceMessage:
		return Report{
			MessageType: BalanceReport,
			Timestamp:   ts,
			SellAsset:   m.Asset,
			SellAmount:  s.accounts.BalanceOf(m.Username, m.Asset),
			Maker:       string(m.Username),
		}

	default:
		return Report{MessageType: AckReport, Timestamp: ts}
	}
}

// ReportPlaced broadcasts a newly placed order to every connected client so
// takers can discover it.
func (s *Server) ReportPlaced(order Order) error {
	return s.broadcast(orderReport(OrderPlacedReport, order, "", s.timestamp()))
}

func (s *Server) ReportSettled(settlement Settlement) error {
	report := orderReport(OrderSettledReport, settlement.Order, settlement.Taker, uint64(settlement.SettledAt.UnixNano()))
	return s.broadcast(report)
}

// Report sends a report to a single session.
func (s *Server) Report(id uuid.UUID, report Report) error {
	s.clientSessionsLock.Lock()
	session, ok := s.clientSessions[id]
	s.clientSessionsLock.Unlock()

	if !ok {
		return ErrClientDoesNotExist
	}
	if err := session.send(report); err != nil {
		return fmt.Errorf("unable to send report: %w", err)
	}
	return nil
}

func (s *Server) broadcast(report Report) error {
	var errs []error
	for _, session := range s.sessions() {
		if err := session.send(report); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", session.id, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Server) reply(session *ClientSession, report Report) {
	if err := session.send(report); err != nil {
		log.Error().
			Err(err).
			Str("session", session.id.String()).
			Msg("unable to send report")
	}
}

func (s *Server) timestamp() uint64 {
	return uint64(time.Now().UnixNano())
}

// classify maps a ledger error onto its wire code.
func classify(err error) ErrorCode {
	switch {
	case errors.Is(err, engine.ErrPayoutStranded):
		return CodePayoutStranded
	case errors.Is(err, engine.ErrInvalidParameters):
		return CodeInvalidParameters
	case errors.Is(err, engine.ErrTransferFailure):
		return CodeTransferFailure
	case errors.Is(err, engine.ErrUnknownOrder):
		return CodeUnknownOrder
	case errors.Is(err, engine.ErrAlreadySettled):
		return CodeAlreadySettled
	default:
		return CodeMalformedRequest
	}
}

// sessions snapshots the connected sessions.
func (s *Server) sessions() []*ClientSession {
	s.clientSessionsLock.Lock()
	defer s.clientSessionsLock.Unlock()

	out := make([]*ClientSession, 0, len(s.clientSessions))
	for _, session := range s.clientSessions {
		out = append(out, session)
	}
	return out
}

// addClientSession is an atomic map add
func (s *Server) addClientSession(conn net.Conn) *ClientSession {
	session := &ClientSession{id: uuid.New(), conn: conn}

	s.clientSessionsLock.Lock()
	defer s.clientSessionsLock.Unlock()

	s.clientSessions[session.id] = session
	return session
}

// deleteClientSession is an atomic map remove. The connection is closed.
func (s *Server) deleteClientSession(id uuid.UUID) {
	s.clientSessionsLock.Lock()
	session, ok := s.clientSessions[id]
	delete(s.clientSessions, id)
	s.clientSessionsLock.Unlock()

	if ok {
		if err := session.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Error().Err(err).Str("session", id.String()).Msg("unable to close connection")
		}
	}
}

func (s *Server) closeClientSessions() {
	for _, session := range s.sessions() {
		if err := session.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Error().Err(err).Str("session", session.id.String()).Msg("unable to close connection")
		}
	}
}
