package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

type callbackResult struct {
	code string
	err  error
}

// Interactive runs the installed-app authorization code flow with a loopback
// redirect. prompt receives the URL the user has to open; the call blocks
// until the browser is redirected back or ctx is done.
func Interactive(ctx context.Context, cfg *oauth2.Config, prompt func(authURL string)) (*oauth2.Token, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen for oauth callback: %w", err)
	}

	conf := *cfg
	conf.RedirectURL = "http://" + ln.Addr().String() + "/"

	state := uuid.NewString()
	verifier := oauth2.GenerateVerifier()
	results := make(chan callbackResult, 1)
	deliver := func(r callbackResult) {
		select {
		case results <- r:
		default:
		}
	}

	srv := &http.Server{
		ReadHeaderTimeout: 10 * time.Second,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/" {
				http.NotFound(w, r)
				return
			}
			q := r.URL.Query()
			switch {
			case q.Get("state") != state:
				http.Error(w, "state mismatch", http.StatusBadRequest)
				deliver(callbackResult{err: errors.New("oauth callback: state mismatch")})
			case q.Get("error") != "":
				http.Error(w, "authorization denied", http.StatusForbidden)
				deliver(callbackResult{err: fmt.Errorf("oauth callback: %s", q.Get("error"))})
			case q.Get("code") == "":
				http.Error(w, "missing code", http.StatusBadRequest)
				deliver(callbackResult{err: errors.New("oauth callback: missing code")})
			default:
				_, _ = w.Write([]byte("Authorization complete. You can close this window.\n"))
				deliver(callbackResult{code: q.Get("code")})
			}
		}),
	}
	go func() { _ = srv.Serve(ln) }()
	defer srv.Close()

	authURL := conf.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.S256ChallengeOption(verifier))
	if prompt != nil {
		prompt(authURL)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-results:
		if res.err != nil {
			return nil, res.err
		}
		tok, err := conf.Exchange(ctx, res.code, oauth2.VerifierOption(verifier))
		if err != nil {
			return nil, fmt.Errorf("exchange authorization code: %w", err)
		}
		return tok, nil
	}
}
