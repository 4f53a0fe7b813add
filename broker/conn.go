package broker

import (
	"bufio"
	"net"
	"sync"
	"time"

	"github.com/RoanBrand/mqttcore"
	"github.com/RoanBrand/mqttcore/internal/model"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	connectTimeout = 10 * time.Second
	tickInterval   = time.Second
	readBufSize    = 4096
)

// conn runs one network connection. All session access happens on the
// goroutine executing run. Other connections hand it messages via forward.
type conn struct {
	s        *Server
	nc       net.Conn
	tx       *bufio.Writer
	ses      *mqttcore.Session
	clientID string

	pubs        chan model.Message
	pending     []model.Message
	maxInflight int
	maxPending  int

	kickC    chan struct{}
	kickOnce sync.Once
	done     chan struct{}
}

func newConn(s *Server, nc net.Conn) *conn {
	c := &conn{
		s:           s,
		nc:          nc,
		tx:          bufio.NewWriter(nc),
		pubs:        make(chan model.Message, s.Session.PendingQueue),
		maxInflight: s.Session.MaxInflight,
		maxPending:  s.Session.PendingQueue,
		kickC:       make(chan struct{}),
		done:        make(chan struct{}),
	}

	c.ses = mqttcore.NewServerSession(c.tx, s.sessionConfig(), s.Auther, mqttcore.Handlers{
		Message: s.matchSubscriptions,
		Connected: func(p *model.Connect) {
			c.clientID = p.ClientID
			s.addSession(c)
		},
		Subscribed: func(subs []mqttcore.Subscription) {
			s.addSubscriptions(c, subs)
		},
		Unsubscribed: func(filters []string) {
			s.removeSubscriptions(c, filters)
		},
		Failed: func(id uint16, err error) {
			log.WithFields(log.Fields{
				"clientId": c.clientID,
				"packetID": id,
			}).Warn("Delivery failed: ", err)
		},
	})
	return c
}

// kick makes run return. Safe to call from any goroutine, more than once.
func (c *conn) kick() {
	c.kickOnce.Do(func() { close(c.kickC) })
}

// forward queues m for delivery from another goroutine. Messages for a full
// queue are dropped.
func (c *conn) forward(m model.Message) {
	select {
	case c.pubs <- m:
	case <-c.done:
	default:
		log.WithFields(log.Fields{
			"clientId":  c.clientID,
			"topicName": m.Topic,
		}).Warn("Client queue full, dropping message")
	}
}

// enqueue adds m to the pending queue. Only called on the run goroutine.
func (c *conn) enqueue(m model.Message) {
	if len(c.pending) >= c.maxPending {
		log.WithFields(log.Fields{
			"clientId":  c.clientID,
			"topicName": m.Topic,
		}).Warn("Pending queue full, dropping message")
		return
	}
	c.pending = append(c.pending, m)
}

// flushPending publishes queued messages in order until the inflight window
// is full.
func (c *conn) flushPending(now time.Time) error {
	n := 0
	for _, m := range c.pending {
		if m.QoS > model.AtMostOnce && c.ses.Inflight() >= c.maxInflight {
			break
		}
		if _, err := c.ses.Publish(m.Topic, m.Payload, m.QoS, m.Retain, now); err != nil {
			return err
		}
		n++
	}
	if n > 0 {
		c.pending = append(c.pending[:0], c.pending[n:]...)
	}
	return nil
}

func (c *conn) reader(rx chan<- []byte, next <-chan struct{}, rxErr chan<- error) {
	buf := make([]byte, readBufSize)
	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			select {
			case rx <- buf[:n]:
			case <-c.done:
				return
			}
			// wait until the chunk is consumed before reusing buf
			select {
			case <-next:
			case <-c.done:
				return
			}
		}
		if err != nil {
			select {
			case rxErr <- err:
			case <-c.done:
			}
			return
		}
	}
}

func (c *conn) run() {
	rx := make(chan []byte)
	next := make(chan struct{})
	rxErr := make(chan error, 1)
	go c.reader(rx, next, rxErr)

	err := c.loop(rx, next, rxErr)
	c.end(err)
}

func (c *conn) loop(rx <-chan []byte, next chan<- struct{}, rxErr <-chan error) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	started := time.Now()

	for {
		var err error
		now := time.Now()

		select {
		case chunk := <-rx:
			err = c.ses.Feed(chunk, now)
			next <- struct{}{}
		case err = <-rxErr:
		case m := <-c.pubs:
			c.enqueue(m)
		case <-ticker.C:
			if !c.ses.Connected() && now.Sub(started) >= connectTimeout {
				err = errors.New("no CONNECT received in time")
			} else {
				err = c.ses.Tick(now)
			}
		case <-c.kickC:
			err = errors.New("taken over by new connection")
		case <-c.s.ctx.Done():
			err = errors.New("server shutting down")
		}

		if err == nil && c.ses.Connected() {
			err = c.flushPending(now)
		}
		if ferr := c.tx.Flush(); err == nil {
			err = ferr
		}
		if err != nil {
			return err
		}
	}
}

func (c *conn) end(err error) {
	subs := c.ses.Subscriptions()
	will := c.ses.Close()
	close(c.done)
	c.nc.Close()

	if c.clientID != "" {
		c.s.removeSession(c, subs)
	}

	lf := log.Fields{
		"clientId": c.clientID,
		"remote":   c.nc.RemoteAddr(),
	}
	if errors.Is(err, mqttcore.ErrDisconnected) {
		log.WithFields(lf).Debug("Client disconnected")
	} else {
		log.WithFields(lf).Info("Closing connection: ", err)
	}

	if will != nil {
		c.s.matchSubscriptions(model.Message{
			Topic:   will.Topic,
			Payload: will.Payload,
			QoS:     will.QoS,
			Retain:  will.Retain,
		})
	}
}
