package amqp

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"gotest.tools/v3/assert"
	"gotest.tools/v3/poll"

	"github.com/israelio/amqpcore/internal/amqptest"
)

const testTimeout = 5 * time.Second

// testLogger returns a logger that records entries instead of printing them
func testLogger() (*logrus.Logger, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return logger, hook
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

func serverInfo(srv *amqptest.Server) ConnectionInfo {
	info := DefaultConnectionInfo()
	info.Host = srv.Host()
	info.Port = srv.Port()
	return info
}

// openConnection opens and logs in to srv, closing the connection when the
// test ends
func openConnection(t *testing.T, srv *amqptest.Server, opts ...Option) *Connection {
	t.Helper()
	return openConnectionWith(t, srv, serverInfo(srv).LoginParams(), opts...)
}

func openConnectionWith(t *testing.T, srv *amqptest.Server, params LoginParams, opts ...Option) *Connection {
	t.Helper()

	logger, _ := testLogger()
	c := NewConnection(append([]Option{WithLogger(logger)}, opts...)...)

	ctx := testContext(t)
	assert.NilError(t, c.Open(ctx, serverInfo(srv)))
	assert.NilError(t, c.Login(ctx, params))
	t.Cleanup(func() { c.Close() })
	return c
}

func openChannel(t *testing.T, c *Connection) *Channel {
	t.Helper()
	ch, err := c.NewChannel(testContext(t))
	assert.NilError(t, err)
	return ch
}

// hasEntry reports whether the hook saw a message at the given level
func hasEntry(hook *test.Hook, level logrus.Level, msg string) bool {
	for _, e := range hook.AllEntries() {
		if e.Level == level && e.Message == msg {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if cond() {
			return poll.Success()
		}
		return poll.Continue("waiting for %s", what)
	}, poll.WithTimeout(testTimeout), poll.WithDelay(10*time.Millisecond))
}

func receiveError(t *testing.T, c <-chan *Error) *Error {
	t.Helper()
	select {
	case err := <-c:
		return err
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for close notification")
		return nil
	}
}
