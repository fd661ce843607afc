package netutil

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/skycoin/skycoin/src/util/logging"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	loggingLevel, ok := os.LookupEnv("TEST_LOGGING_LEVEL")
	if ok {
		lvl, err := logging.LevelFromString(loggingLevel)
		if err != nil {
			panic(err)
		}
		logging.SetLevel(lvl)
	} else {
		logging.Disable()
	}

	os.Exit(m.Run())
}

func TestRetrier_Do(t *testing.T) {
	r := NewRetrier(time.Millisecond*20, time.Millisecond*100, 2)
	c := 0
	threshold := 2
	f := func(context.Context) error {
		c++
		if c >= threshold {
			return nil
		}

		return errors.New("foo")
	}

	t.Run("should retry", func(t *testing.T) {
		c = 0

		err := r.Do(context.Background(), f)
		require.NoError(t, err)
		require.Equal(t, 2, c)
	})

	t.Run("if retry reaches threshold should error", func(t *testing.T) {
		c = 0
		threshold = 10
		defer func() {
			threshold = 2
		}()

		err := r.Do(context.Background(), f)
		require.Equal(t, ErrThresholdReached, err)
	})

	t.Run("should stop when the context is canceled", func(t *testing.T) {
		c = 0
		threshold = 10
		defer func() {
			threshold = 2
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		err := NewRetrier(time.Millisecond*20, time.Second, 2).Do(ctx, f)
		require.Equal(t, context.DeadlineExceeded, err)
	})

	t.Run("should return whitelisted errors if any instead of retry", func(t *testing.T) {
		bar := errors.New("bar")
		wR := NewRetrier(50*time.Millisecond, time.Second, 2).WithErrWhitelist(bar)
		barF := func(context.Context) error {
			return bar
		}

		err := wR.Do(context.Background(), barF)
		require.EqualError(t, err, bar.Error())
	})
}
