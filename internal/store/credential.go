package store

const credentialKey = "auth/credential"

// SaveCredential persists the bearer token used to open real-time sessions.
func (db *DB) SaveCredential(token string) error {
	return db.Put(credentialKey, []byte(token))
}

// Credential returns the stored token, or "" when logged out.
func (db *DB) Credential() (string, error) {
	v, err := db.Get(credentialKey)
	if err != nil {
		return "", err
	}
	return string(v), nil
}

func (db *DB) ClearCredential() error {
	return db.Delete(credentialKey)
}
