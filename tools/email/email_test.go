package email

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/mail"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testSender struct {
	sendFn func(ctx context.Context, from string, to []string, msg []byte) error

	from string
	to   []string
	msg  string
}

func (s *testSender) Send(ctx context.Context, from string, to []string, msg []byte) error {
	s.from, s.to, s.msg = from, to, string(msg)
	if s.sendFn != nil {
		return s.sendFn(ctx, from, to, msg)
	}
	return nil
}

func testConfig() Config {
	return Config{Username: "me@example.com", Password: "app-password"}
}

func TestSendEmail(t *testing.T) {
	ctx := context.Background()

	t.Run("with cc", func(t *testing.T) {
		sender := &testSender{}
		e := New(testConfig(), sender, zap.NewNop())
		e.now = func() time.Time { return time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC) }

		out, err := e.sendEmail(ctx, sendArgs{To: "sam@example.com", Subject: "Lunch", Message: "See you at noon\nSam", CC: "kai@example.com"})
		require.NoError(t, err)
		assert.Equal(t, "Email sent successfully to sam@example.com", out)

		assert.Equal(t, "me@example.com", sender.from)
		assert.Equal(t, []string{"sam@example.com", "kai@example.com"}, sender.to)
		assert.Contains(t, sender.msg, "To: <sam@example.com>\r\n")
		assert.Contains(t, sender.msg, "Cc: <kai@example.com>\r\n")
		assert.Contains(t, sender.msg, "Subject: Lunch\r\n")
		assert.Contains(t, sender.msg, "Date: Sat, 01 Mar 2025 10:00:00 +0000\r\n")
		assert.True(t, strings.HasSuffix(sender.msg, "\r\n\r\nSee you at noon\r\nSam\r\n"))
	})

	t.Run("missing credentials", func(t *testing.T) {
		sender := &testSender{}
		e := New(Config{}, sender, zap.NewNop())
		out, _ := e.sendEmail(ctx, sendArgs{To: "sam@example.com"})
		assert.Contains(t, out, "credentials not configured")
		assert.Empty(t, sender.to)
	})

	t.Run("invalid addresses", func(t *testing.T) {
		e := New(testConfig(), &testSender{}, zap.NewNop())
		out, _ := e.sendEmail(ctx, sendArgs{To: "not an address"})
		assert.Contains(t, out, "invalid recipient")

		out, _ = e.sendEmail(ctx, sendArgs{To: "sam@example.com", CC: "@@"})
		assert.Contains(t, out, "invalid cc")
	})

	t.Run("sender failure", func(t *testing.T) {
		sender := &testSender{sendFn: func(context.Context, string, []string, []byte) error {
			return errors.New("535 auth failed")
		}}
		e := New(testConfig(), sender, zap.NewNop())
		out, err := e.sendEmail(ctx, sendArgs{To: "sam@example.com", Subject: "x", Message: "y"})
		require.NoError(t, err)
		assert.Equal(t, "An unexpected error occurred while sending email: 535 auth failed", out)
	})
}

func TestBuildMessage_EncodesSubject(t *testing.T) {
	msg := string(buildMessage("me@example.com", &mail.Address{Address: "a@b.c"}, nil, "Grüße", "hi", time.Unix(0, 0).UTC()))
	assert.Contains(t, msg, "Subject: =?utf-8?q?Gr=C3=BC=C3=9Fe?=\r\n")
	assert.NotContains(t, msg, "Cc:")
}

func TestTools(t *testing.T) {
	e := New(testConfig(), &testSender{}, zap.NewNop())
	ts := e.Tools()
	require.Len(t, ts, 1)
	assert.True(t, ts[0].Sensitive)
	assert.Equal(t, `send an email to sam@example.com with subject "Hi"`, ts[0].Describe([]byte(`{"to":"sam@example.com","subject":"Hi"}`)))
}

// fakeSMTP 是最小的 SMTP 服务器，不支持 STARTTLS 与认证。
type fakeSMTP struct {
	ln   net.Listener
	mu   sync.Mutex
	rcpt []string
	data string
}

func startFakeSMTP(t *testing.T) *fakeSMTP {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeSMTP{ln: ln}
	t.Cleanup(func() { ln.Close() })
	go s.serve()
	return s
}

func (s *fakeSMTP) serve() {
	conn, err := s.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	r := bufio.NewReader(conn)
	write := func(line string) { _, _ = conn.Write([]byte(line + "\r\n")) }

	write("220 localhost ESMTP")
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.ToUpper(strings.TrimSpace(line))
		switch {
		case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
			write("250-localhost")
			write("250 8BITMIME")
		case strings.HasPrefix(cmd, "MAIL FROM"):
			write("250 OK")
		case strings.HasPrefix(cmd, "RCPT TO"):
			s.mu.Lock()
			s.rcpt = append(s.rcpt, strings.TrimSpace(line[len("RCPT TO:"):]))
			s.mu.Unlock()
			write("250 OK")
		case cmd == "DATA":
			write("354 go ahead")
			var b strings.Builder
			for {
				l, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if l == ".\r\n" {
					break
				}
				b.WriteString(l)
			}
			s.mu.Lock()
			s.data = b.String()
			s.mu.Unlock()
			write("250 queued")
		case cmd == "QUIT":
			write("221 bye")
			return
		default:
			write("250 OK")
		}
	}
}

func TestSMTPSender(t *testing.T) {
	srv := startFakeSMTP(t)
	host, port, err := net.SplitHostPort(srv.ln.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)

	sender := NewSMTPSender(Config{Host: host, Port: p, Timeout: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = sender.Send(ctx, "me@example.com", []string{"sam@example.com", "kai@example.com"}, []byte("Subject: hi\r\n\r\nhello\r\n"))
	require.NoError(t, err)

	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Equal(t, []string{"<sam@example.com>", "<kai@example.com>"}, srv.rcpt)
	assert.Contains(t, srv.data, "hello")
}
