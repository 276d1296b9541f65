package dpop

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/ftauth/dpop/internal/mock"
	"github.com/ftauth/dpop/jwt"
	"github.com/ftauth/dpop/util/base64url"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	clock     *mock.Clock
	keys      *KeyManager
	store     *MemoryNonceStorage
	generator *Generator
	validator *Validator
	logs      *test.Hook
}

func newFixture(t *testing.T, alg jwt.Algorithm, configure ...func(*ValidatorConfig)) *fixture {
	t.Helper()

	clock := mock.NewClock(time.Now())
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	keys := NewKeyManager(WithKeyClock(clock.Now), WithKeyLogger(logger))
	t.Cleanup(keys.Close)

	store := NewMemoryNonceStorage(WithMemoryClock(clock.Now))
	t.Cleanup(func() { store.Close() })

	generator, err := NewGenerator(keys, GeneratorConfig{
		Algorithm: alg,
		Clock:     clock.Now,
		Logger:    logger,
	})
	require.NoError(t, err)

	config := DefaultValidatorConfig()
	config.Clock = clock.Now
	config.Logger = logger
	for _, c := range configure {
		c(&config)
	}
	validator, err := NewValidator(store, config)
	require.NoError(t, err)

	return &fixture{
		clock:     clock,
		keys:      keys,
		store:     store,
		generator: generator,
		validator: validator,
		logs:      hook,
	}
}

// forge builds a compact JWS from arbitrary header and claims values,
// signed with key.
func forge(t *testing.T, header, claims interface{}, key *jwt.Key) string {
	t.Helper()

	h, err := json.Marshal(header)
	require.NoError(t, err)
	c, err := json.Marshal(claims)
	require.NoError(t, err)

	input := base64url.Encode(h) + "." + base64url.Encode(c)
	sig, err := key.Signer()([]byte(input))
	require.NoError(t, err)
	return input + "." + base64url.Encode(sig)
}

// segments decodes the header and claims of a compact proof into maps.
func segments(t *testing.T, proof string) (map[string]interface{}, map[string]interface{}) {
	t.Helper()

	token, err := jwt.Decode(proof)
	require.NoError(t, err)

	var header, claims map[string]interface{}
	b, err := json.Marshal(token.Header)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(b, &header))
	b, err = json.Marshal(token.Claims)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(b, &claims))
	return header, claims
}
