package shellcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientsAddAndAll(t *testing.T) {
	t.Parallel()

	c := NewClients()
	c.Add("b", "https://calc.test/b", "v1")
	c.Add("a", "https://calc.test/a", "")
	c.Add("b", "https://calc.test/b2", "v9")

	all := c.All()
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].ID)
	assert.Equal(t, Client{ID: "b", URL: "https://calc.test/b2", Controller: "v1"}, all[1])
	assert.Equal(t, 1, c.ControlledBy("v1"))
}

func TestClientsClaimNotifiesChangedOnly(t *testing.T) {
	t.Parallel()

	c := NewClients()
	c.Add("a", "/", "v1")
	c.Add("b", "/", "v2")
	evA, cancelA, err := c.Subscribe("a")
	require.NoError(t, err)
	defer cancelA()
	evB, cancelB, err := c.Subscribe("b")
	require.NoError(t, err)
	defer cancelB()

	assert.Equal(t, []string{"a", "b"}, c.Claim("v2"))
	assert.Equal(t, ClientEvent{Type: ClientControllerChange, Version: "v2"}, <-evA)
	assert.Empty(t, evB)
	assert.Equal(t, 2, c.ControlledBy("v2"))
}

func TestClientsNavigate(t *testing.T) {
	t.Parallel()

	c := NewClients()
	require.ErrorIs(t, c.Navigate("missing"), ErrClientNotFound)

	c.Add("a", "/", "v1")
	ev, cancel, err := c.Subscribe("a")
	require.NoError(t, err)
	defer cancel()
	require.NoError(t, c.Navigate("a"))
	assert.Equal(t, ClientEvent{Type: ClientReload, Version: "v1"}, <-ev)
}

func TestClientsRemoveClosesSubscriptions(t *testing.T) {
	t.Parallel()

	c := NewClients()
	c.Add("a", "/", "")
	ev, cancel, err := c.Subscribe("a")
	require.NoError(t, err)

	assert.True(t, c.Remove("a"))
	assert.False(t, c.Remove("a"))
	_, ok := <-ev
	assert.False(t, ok)
	cancel()

	_, _, err = c.Subscribe("a")
	require.ErrorIs(t, err, ErrClientNotFound)
}

func TestClientsSlowSubscriberDropsEvents(t *testing.T) {
	t.Parallel()

	c := NewClients()
	c.Add("a", "/", "v1")
	ev, cancel, err := c.Subscribe("a")
	require.NoError(t, err)
	defer cancel()

	for range clientEventBuffer + 4 {
		require.NoError(t, c.Navigate("a"))
	}
	assert.Len(t, ev, clientEventBuffer)
}
