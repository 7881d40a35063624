package intake

import (
	"context"
	"errors"
	"net"
	"net/textproto"
	"net/url"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/corpus-cli/internal/model"
	"github.com/sells-group/corpus-cli/internal/resilience"
)

const ftpTimeout = 30 * time.Second

type ftpTarget struct {
	addr     string // host:port
	path     string
	user     string
	password string
}

// parseFTPLocation splits ftp://[user[:pass]@]host[:port]/path. Without
// credentials the login is anonymous.
func parseFTPLocation(raw string) (ftpTarget, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return ftpTarget{}, eris.Wrap(err, "parse ftp location")
	}
	if u.Scheme != "ftp" {
		return ftpTarget{}, eris.Errorf("expected ftp scheme, got %q", u.Scheme)
	}
	if u.Host == "" {
		return ftpTarget{}, eris.New("ftp location has no host")
	}
	if u.Path == "" || u.Path == "/" {
		return ftpTarget{}, eris.New("ftp location has no file path")
	}

	t := ftpTarget{addr: u.Host, path: u.Path, user: "anonymous", password: "anonymous@"}
	if _, _, err := net.SplitHostPort(u.Host); err != nil {
		t.addr = net.JoinHostPort(u.Host, "21")
	}
	if u.User != nil {
		t.user = u.User.Username()
		t.password, _ = u.User.Password()
	}
	return t, nil
}

func (l *Loader) streamFTP(ctx context.Context, src Source, emit func(model.Candidate) error) error {
	target, err := parseFTPLocation(src.Location)
	if err != nil {
		return eris.Wrapf(err, "intake: source %s", src.Name)
	}

	retry := l.retry
	retry.ShouldRetry = retryableFTP
	raw, err := resilience.DoVal(ctx, retry, func(ctx context.Context) ([]byte, error) {
		return l.retrieveFTP(ctx, target)
	})
	if err != nil {
		return eris.Wrapf(err, "intake: ftp %s%s", target.addr, target.path)
	}

	format := src.Format
	if format == "" {
		format = FormatFor(target.path)
	}
	return l.parse(raw, src.Location, format, src, emit)
}

var errFTPLogin = eris.New("ftp login rejected")

// retryableFTP retries dial and transfer failures and 4xx replies. A rejected
// login or a 5xx reply (e.g. 550 file unavailable) will not change.
func retryableFTP(err error) bool {
	if errors.Is(err, errFTPLogin) || errors.Is(err, context.Canceled) {
		return false
	}
	var reply *textproto.Error
	if errors.As(err, &reply) {
		return reply.Code < 500
	}
	return true
}

func (l *Loader) retrieveFTP(ctx context.Context, t ftpTarget) ([]byte, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "rate limiter wait")
	}
	l.log.Debug("ftp: retrieving", zap.String("addr", t.addr), zap.String("path", t.path))

	conn, err := ftp.Dial(t.addr, ftp.DialWithTimeout(ftpTimeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, eris.Wrap(err, "ftp dial")
	}
	defer conn.Quit() //nolint:errcheck

	if err := conn.Login(t.user, t.password); err != nil {
		return nil, eris.Wrap(errFTPLogin, err.Error())
	}

	resp, err := conn.Retr(t.path)
	if err != nil {
		return nil, eris.Wrap(err, "ftp retrieve")
	}
	defer resp.Close() //nolint:errcheck

	return readLimited(resp)
}
