package vrchat

import (
	"encoding/json"
	"os"

	"github.com/sayonatsu/herald/errors"
)

// session holds the persisted authentication cookies. The platform issues a
// long-lived auth cookie after interactive login; reusing it avoids the
// credential plus 2FA dance on every restart.
type session struct {
	AuthCookie          string `json:"authCookie"`
	TwoFactorAuthCookie string `json:"twoFactorAuthCookie,omitempty"`
}

// loadSession reads saved cookies from the session file.
func loadSession(path string) (*session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(errors.ErrUnauthorized, "no session file at %s", path)
		}
		return nil, errors.Wrapf(err, "failed to read session file %s", path)
	}

	var s session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrapf(err, "corrupt session file %s", path)
	}
	if s.AuthCookie == "" {
		return nil, errors.Wrapf(errors.ErrUnauthorized, "session file %s has no auth cookie", path)
	}
	return &s, nil
}

// saveSession writes cookies with owner-only permissions.
func saveSession(path string, s *session) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal session")
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.Wrapf(err, "failed to write session file %s", path)
	}
	return nil
}
