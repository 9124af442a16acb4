package amqptest

import (
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/israelio/amqpcore/internal/frame"
	"github.com/israelio/amqpcore/internal/method"
	"github.com/israelio/amqpcore/internal/protocol"
)

type pending struct {
	queue string
	msg   *Message
}

type serverChannel struct {
	id      uint16
	closing bool
	nextTag uint64
	unacked map[uint64]*pending

	// content being assembled for basic.publish
	publishing *Message
	bodySize   uint64
	gotHeader  bool
}

type serverConn struct {
	s   *Server
	id  int
	nc  net.Conn
	r   *frame.Reader
	w   *frame.Writer
	log logrus.FieldLogger

	frameMax uint32
	channels map[uint16]*serverChannel
	closing  atomic.Bool
}

func newServerConn(s *Server, nc net.Conn) *serverConn {
	return &serverConn{
		s:        s,
		nc:       nc,
		r:        frame.NewReader(nc, protocol.FrameDefaultSize),
		w:        frame.NewWriter(nc, protocol.FrameDefaultSize),
		log:      s.log.WithField("remote", nc.RemoteAddr().String()),
		frameMax: protocol.FrameDefaultSize,
		channels: map[uint16]*serverChannel{},
	}
}

func (c *serverConn) send(channel uint16, m method.Method) error {
	f, err := method.NewFrame(channel, m)
	if err != nil {
		return err
	}
	return c.w.WriteFrame(f)
}

func (c *serverConn) sendContent(channel uint16, m method.Method, props method.Properties, body []byte) error {
	mf, err := method.NewFrame(channel, m)
	if err != nil {
		return err
	}
	hf, err := method.NewHeaderFrame(channel, uint64(len(body)), props)
	if err != nil {
		return err
	}
	frames := append([]*frame.Frame{mf, hf}, frame.SplitBody(channel, body, c.frameMax)...)
	return c.w.WriteFrames(frames...)
}

// reply answers req, honouring any DelayReply or DropReply hook
func (c *serverConn) reply(channel uint16, req method.Method, resp method.Method) {
	classID, methodID := req.ID()
	hook := c.s.hooks[hookKey(classID, methodID)]

	switch {
	case hook.drop:
		c.log.Debugf("dropping reply to %s", method.Name(req))
	case hook.delay > 0:
		time.AfterFunc(hook.delay, func() {
			if err := c.send(channel, resp); err != nil {
				c.log.WithError(err).Debug("delayed reply failed")
			}
		})
	default:
		if err := c.send(channel, resp); err != nil {
			c.log.WithError(err).Debug("reply failed")
		}
	}
}

func (c *serverConn) run() {
	defer c.nc.Close()
	defer c.cleanup()

	login, err := c.handshake()
	if err != nil {
		c.log.WithError(err).Debug("handshake ended")
		return
	}

	c.s.mu.Lock()
	hb := c.s.logins[login].Tune.Heartbeat
	c.s.mu.Unlock()

	if c.s.cfg.SendHeartbeats {
		if hb > 0 {
			stop := make(chan struct{})
			defer close(stop)
			go c.heartbeat(time.Duration(hb)*time.Second/2, stop)
		}
	}

	for {
		f, err := c.r.ReadFrame()
		if err != nil {
			c.log.WithError(err).Debug("read ended")
			return
		}
		if !c.handleFrame(f) {
			return
		}
	}
}

func (c *serverConn) heartbeat(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.w.WriteFrame(frame.NewHeartbeatFrame()); err != nil {
				return
			}
		}
	}
}

func (c *serverConn) cleanup() {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	c.s.removeConsumersLocked(c, 0, "")
	for _, ch := range c.channels {
		c.requeueAllLocked(ch)
	}
}

func (c *serverConn) requeueAllLocked(ch *serverChannel) {
	for tag, p := range ch.unacked {
		c.s.requeueLocked(p)
		delete(ch.unacked, tag)
	}
}

// readMethod reads the next method frame on channel 0, skipping heartbeats
func (c *serverConn) readMethod() (method.Method, error) {
	for {
		f, err := c.r.ReadFrame()
		if err != nil {
			return nil, err
		}
		if f.Type == protocol.FrameHeartbeat {
			c.s.heartbeats.Add(1)
			continue
		}
		return method.DecodeFrame(f)
	}
}

// handshake runs the server side of connection negotiation and returns
// the index of the recorded login
func (c *serverConn) handshake() (int, error) {
	cfg := c.s.cfg

	header, err := c.r.ReadProtocolHeader()
	if err != nil {
		return 0, err
	}
	if header != protocol.ProtocolHeader {
		c.w.WriteProtocolHeader()
		return 0, fmt.Errorf("bad protocol header %q", header)
	}

	err = c.send(0, &method.ConnectionStart{
		VersionMajor: cfg.VersionMajor,
		VersionMinor: cfg.VersionMinor,
		ServerProperties: protocol.Table{
			"product":      "amqptest",
			"version":      "0.9.1",
			"capabilities": cfg.Capabilities,
		},
		Mechanisms: cfg.Mechanisms,
		Locales:    "en_US",
	})
	if err != nil {
		return 0, err
	}

	m, err := c.readMethod()
	if err != nil {
		return 0, err
	}
	startOk, ok := m.(*method.ConnectionStartOk)
	if !ok {
		return 0, fmt.Errorf("expected start-ok, got %s", method.Name(m))
	}

	login := Login{
		ClientProperties: startOk.ClientProperties,
		Mechanism:        startOk.Mechanism,
		Response:         startOk.Response,
	}
	if startOk.Mechanism == protocol.MechanismPlain {
		parts := strings.SplitN(startOk.Response, "\x00", 3)
		if len(parts) == 3 {
			login.User, login.Password = parts[1], parts[2]
		}
	}

	c.s.mu.Lock()
	idx := len(c.s.logins)
	c.s.logins = append(c.s.logins, login)
	c.s.mu.Unlock()

	if cfg.DropAfterStartOk {
		return 0, fmt.Errorf("dropping after start-ok")
	}

	if !strings.Contains(" "+cfg.Mechanisms+" ", " "+startOk.Mechanism+" ") {
		return 0, c.refuse(protocol.ReplyAccessRefused,
			fmt.Sprintf("ACCESS_REFUSED - mechanism %s not offered", startOk.Mechanism))
	}
	if cfg.Users != nil {
		if pw, ok := cfg.Users[login.User]; !ok || pw != login.Password {
			return 0, c.refuse(protocol.ReplyAccessRefused,
				fmt.Sprintf("ACCESS_REFUSED - Login was refused using authentication mechanism %s", startOk.Mechanism))
		}
	}

	if cfg.AfterStartOk != nil {
		c.send(0, cfg.AfterStartOk)
		// give the client a chance to read it before the socket goes away
		c.readMethod()
		return 0, fmt.Errorf("sent %s instead of tune", method.Name(cfg.AfterStartOk))
	}

	err = c.send(0, &method.ConnectionTune{
		ChannelMax: cfg.ChannelMax,
		FrameMax:   cfg.FrameMax,
		Heartbeat:  cfg.Heartbeat,
	})
	if err != nil {
		return 0, err
	}

	m, err = c.readMethod()
	if err != nil {
		return 0, err
	}
	tuneOk, ok := m.(*method.ConnectionTuneOk)
	if !ok {
		return 0, fmt.Errorf("expected tune-ok, got %s", method.Name(m))
	}
	if tuneOk.FrameMax != 0 {
		c.frameMax = tuneOk.FrameMax
		c.r.SetMaxFrameSize(tuneOk.FrameMax)
		c.w.SetMaxFrameSize(tuneOk.FrameMax)
	}

	m, err = c.readMethod()
	if err != nil {
		return 0, err
	}
	open, ok := m.(*method.ConnectionOpen)
	if !ok {
		return 0, fmt.Errorf("expected open, got %s", method.Name(m))
	}

	c.s.mu.Lock()
	c.s.logins[idx].Tune = *tuneOk
	c.s.logins[idx].VHost = open.VirtualHost
	c.s.mu.Unlock()

	if cfg.VHosts != nil && !contains(cfg.VHosts, open.VirtualHost) {
		return 0, c.refuse(protocol.ReplyNotAllowed,
			fmt.Sprintf("NOT_ALLOWED - vhost %s not found", open.VirtualHost))
	}

	c.s.mu.Lock()
	c.reply(0, open, &method.ConnectionOpenOk{})
	c.s.mu.Unlock()
	return idx, nil
}

// refuse sends connection.close and waits briefly for close-ok
func (c *serverConn) refuse(code uint16, text string) error {
	if err := c.send(0, &method.ConnectionClose{ReplyCode: code, ReplyText: text}); err != nil {
		return err
	}
	c.nc.SetReadDeadline(time.Now().Add(time.Second))
	c.readMethod()
	return fmt.Errorf("refused: %s", text)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
