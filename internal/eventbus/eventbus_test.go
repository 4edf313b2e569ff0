package eventbus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type ping struct{ N int }
type pong struct{ N int }

func TestPublishRoutesByType(t *testing.T) {
	b := New()
	Use(b)
	defer Use(nil)

	var pings, pongs []int
	Subscribe(b, func(_ context.Context, e ping) { pings = append(pings, e.N) })
	Listen(func(_ context.Context, e pong) { pongs = append(pongs, e.N) })

	Publish(context.Background(), ping{1})
	Publish(context.Background(), pong{2})
	Publish(context.Background(), ping{3})

	require.Equal(t, []int{1, 3}, pings)
	require.Equal(t, []int{2}, pongs)
}

func TestUnsubscribeRemovesOnlyItsHandler(t *testing.T) {
	b := New()
	Use(b)
	defer Use(nil)

	var got []string
	first := Subscribe(b, func(_ context.Context, e ping) { got = append(got, "first") })
	Subscribe(b, func(_ context.Context, e ping) { got = append(got, "second") })

	first()
	first()
	Publish(context.Background(), ping{})
	require.Equal(t, []string{"second"}, got)
}

func TestPublishWithoutBus(t *testing.T) {
	Use(nil)
	require.Nil(t, Global())
	Publish(context.Background(), ping{})
	Listen(func(_ context.Context, e ping) { t.Fatal("handler must not run") })()
}
