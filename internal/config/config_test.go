package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewConfig(t *testing.T) {
	var (
		addr = "localhost:8080"
		dsn  = "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"
		key  = "c29tZV9zZWNyZXQ="
		orig = []string{"http://localhost:3000"}
	)

	tcases := []struct {
		name string
		addr string
		dsn  string
		key  string
		orig []string
		err  bool
	}{
		{
			name: "valid config",
			addr: addr,
			dsn:  dsn,
			key:  key,
			orig: orig,
			err:  false,
		},
		{
			name: "empty address",
			addr: "",
			dsn:  dsn,
			key:  key,
			orig: orig,
			err:  true,
		},
		{
			name: "empty dsn",
			addr: addr,
			dsn:  "",
			key:  key,
			orig: orig,
			err:  true,
		},
		{
			name: "empty signing secret",
			addr: addr,
			dsn:  dsn,
			key:  "",
			orig: orig,
			err:  true,
		},
		{
			name: "invalid base64 signing secret",
			addr: addr,
			dsn:  dsn,
			key:  "not-base64!!!",
			orig: orig,
			err:  true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := NewConfig(tc.addr, tc.dsn, tc.key, tc.orig)
			if tc.err {
				assert.Error(t, err, "expected error")
				assert.Nil(t, cfg, "expected nil config on error")
				return
			}

			assert.NoError(t, err, "expected no error")
			assert.Equal(t, tc.addr, cfg.ServerAddr)
			assert.Equal(t, tc.dsn, cfg.DatabaseDSN)
			assert.Equal(t, []byte("some_secret"), cfg.SigningKey)
			assert.Equal(t, tc.orig, cfg.AllowedOrigins)
		})
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("LIVEMSG_SERVER_ADDR", "0.0.0.0:9000")
	t.Setenv("LIVEMSG_DATABASE_DSN", "host=db")
	t.Setenv("LIVEMSG_SIGNING_SECRET", "c2VjcmV0")
	t.Setenv("LIVEMSG_ALLOWED_ORIGINS", "http://a.test,http://b.test")

	env, err := FromEnv()
	assert.NoError(t, err, "expected no error reading env")
	assert.Equal(t, "0.0.0.0:9000", env.ServerAddr)
	assert.Equal(t, "host=db", env.DatabaseDSN)
	assert.Equal(t, "c2VjcmV0", env.SigningSecret)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, env.AllowedOrigins)
}
