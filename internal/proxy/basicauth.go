package proxy

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"os"
	"strings"
)

type credentials struct {
	username string
	password string
}

// BasicAuth wraps handler requiring HTTP basic auth with the given credentials
// and realm, which shouldn't contain quotes.
func BasicAuth(handler http.Handler, creds credentials, realm string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()

		if !ok || subtle.ConstantTimeCompare([]byte(user), []byte(creds.username)) != 1 || subtle.ConstantTimeCompare([]byte(pass), []byte(creds.password)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="`+realm+`"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized.\n")) //nolint:errcheck

			return
		}

		handler.ServeHTTP(w, r)
	})
}

// loadCredentials prefers the password file over inline credentials. The
// second return value is false when no protection is configured.
func loadCredentials(username, password, passwordFile string) (credentials, bool, error) {
	if passwordFile != "" {
		data, err := os.ReadFile(passwordFile)
		if err != nil {
			return credentials{}, false, fmt.Errorf("failed to load password file: %w", err)
		}

		split := strings.SplitN(strings.TrimSpace(string(data)), ":", 2) //nolint:gomnd
		if len(split) != 2 {                                             //nolint:gomnd
			return credentials{}, false, fmt.Errorf("failed to parse username/password. Expected username and password separated by ':'")
		}

		return credentials{username: split[0], password: split[1]}, true, nil
	}

	if username == "" && password == "" {
		return credentials{}, false, nil
	}

	return credentials{username: username, password: password}, true, nil
}
