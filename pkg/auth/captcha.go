package auth

import "context"

// CaptchaVerifier validates a CAPTCHA token for a client. A nil return
// means the token passed. Implementations typically call out to an
// external provider; the login flow folds any failure into the generic
// credential error so callers cannot tell which step rejected them.
type CaptchaVerifier interface {
	Verify(ctx context.Context, token, clientIP string) error
}

// NoopCaptcha accepts every token. It is the default when no provider
// is configured.
type NoopCaptcha struct{}

func (NoopCaptcha) Verify(ctx context.Context, token, clientIP string) error {
	return nil
}
