package auth

import (
	"testing"

	"github.com/RoanBrand/mqttcore/internal/model"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthUser(t *testing.T) {
	ba := NewBasicAuth()
	ba.RegisterUser("c1", "user", "pass")

	assert.NoError(t, ba.AuthUser("c1", []byte("user"), []byte("pass")))

	err := ba.AuthUser("c1", []byte("user"), []byte("wrong"))
	assert.True(t, errors.Is(err, model.BadUsernameOrPassword))

	err = ba.AuthUser("guest", nil, nil)
	assert.True(t, errors.Is(err, model.NotAuthorized))

	ba.ToggleGuestAccess(true)
	assert.NoError(t, ba.AuthUser("guest", nil, nil))
	assert.Error(t, ba.AuthUser("c1", nil, nil), "registered ids keep their credentials")

	ba.RemoveUser("c1")
	assert.NoError(t, ba.AuthUser("c1", nil, nil))
}

func TestAuthPublish(t *testing.T) {
	ba := NewBasicAuth()
	assert.NoError(t, ba.AuthPublish("c1", "a/b"))

	ba.AllowPublish("a/b", "c2")
	assert.Equal(t, ErrRestricted, ba.AuthPublish("c1", "a/b"))
	assert.NoError(t, ba.AuthPublish("c2", "a/b"))
	assert.NoError(t, ba.AuthPublish("c1", "a/c"))
}

func TestAuthSubscription(t *testing.T) {
	ba := NewBasicAuth()

	q, err := ba.AuthSubscription("c1", "a/+", model.ExactlyOnce)
	require.NoError(t, err)
	assert.Equal(t, model.ExactlyOnce, q)

	ba.AllowSubscription("admin/#", "root")
	_, err = ba.AuthSubscription("c1", "admin/#", model.AtMostOnce)
	assert.Equal(t, ErrRestricted, err)
	_, err = ba.AuthSubscription("root", "admin/#", model.AtMostOnce)
	assert.NoError(t, err)

	ba.LimitQoS("sensors/#", model.AtLeastOnce)
	ba.LimitQoS("sensors/+/temp", model.AtMostOnce)

	q, err = ba.AuthSubscription("c1", "sensors/a", model.ExactlyOnce)
	require.NoError(t, err)
	assert.Equal(t, model.AtLeastOnce, q)

	q, err = ba.AuthSubscription("c1", "sensors/+/temp", model.ExactlyOnce)
	require.NoError(t, err)
	assert.Equal(t, model.AtMostOnce, q)

	q, err = ba.AuthSubscription("c1", "other", model.ExactlyOnce)
	require.NoError(t, err)
	assert.Equal(t, model.ExactlyOnce, q)
}

func TestLimitQoSCapsBroaderFilters(t *testing.T) {
	ba := NewBasicAuth()
	ba.LimitQoS("sensors/#", model.AtMostOnce)

	for filter, want := range map[string]model.QoS{
		"sensors/x": model.AtMostOnce,
		"#":         model.AtMostOnce,
		"+/x":       model.AtMostOnce,
		"+":         model.AtMostOnce, // "sensors/#" matches "sensors"
		"other/x":   model.ExactlyOnce,
		"$SYS/#":    model.ExactlyOnce,
	} {
		q, err := ba.AuthSubscription("c1", filter, model.ExactlyOnce)
		require.NoError(t, err)
		assert.Equal(t, want, q, filter)
	}
}
