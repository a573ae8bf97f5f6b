package simulator

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSimulator(clock clockwork.Clock) *Simulator {
	return New(nil, WithClock(clock), WithRand(rand.New(rand.NewPCG(3, 4))))
}

func TestClassify_IntentOrder(t *testing.T) {
	s := newTestSimulator(clockwork.NewFakeClock())

	tests := []struct {
		text string
		want string
	}{
		{"Привіт!", "greeting"},
		{"ЗДРАВСТВУЙ", "greeting"},
		{"як справи?", "status-check"},
		{"потрібна допомога", "help-request"},
		{"Яка вартість?", "pricing-inquiry"},
		{"дайте ваш EMAIL", "contact-request"},
		{"які у вас послуги", "services-inquiry"},
		// Greeting is checked before status-check.
		{"привіт, як справи", "greeting"},
		// Pricing is checked before services.
		{"скільки коштують послуги", "pricing-inquiry"},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			in, ok := s.Classify(tt.text)
			require.True(t, ok)
			assert.Equal(t, tt.want, in.Name)
		})
	}
}

func TestReply_FallbackForUnknownText(t *testing.T) {
	s := newTestSimulator(clockwork.NewFakeClock())

	_, ok := s.Classify("lorem ipsum")
	assert.False(t, ok)
	assert.Contains(t, DefaultCatalog().Fallback, s.Reply("lorem ipsum"))
}

func TestReply_DeterministicWithSeededRand(t *testing.T) {
	a := newTestSimulator(clockwork.NewFakeClock())
	b := newTestSimulator(clockwork.NewFakeClock())
	for i := 0; i < 10; i++ {
		assert.Equal(t, a.Reply("???"), b.Reply("???"))
	}
}

func TestDelay_WithinBounds(t *testing.T) {
	s := newTestSimulator(clockwork.NewFakeClock())
	for i := 0; i < 1000; i++ {
		d := s.Delay()
		assert.GreaterOrEqual(t, d, DefaultMinDelay)
		assert.Less(t, d, DefaultMaxDelay)
	}
}

func TestRespond_WaitsForDelay(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := newTestSimulator(clock)

	done := make(chan string, 1)
	go func() {
		reply, err := s.Respond(context.Background(), "привіт")
		assert.NoError(t, err)
		done <- reply
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	select {
	case <-done:
		t.Fatal("reply arrived before the simulated delay")
	default:
	}

	clock.Advance(DefaultMaxDelay)
	select {
	case reply := <-done:
		assert.Equal(t, "Привіт! Я AI-асистент Connexi. Як справи? Чим можу допомогти?", reply)
	case <-time.After(2 * time.Second):
		t.Fatal("reply did not arrive after advancing the clock")
	}
}

func TestRespond_CancelledContext(t *testing.T) {
	s := newTestSimulator(clockwork.NewFakeClock())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Respond(ctx, "привіт")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseCatalog_Validation(t *testing.T) {
	_, err := ParseCatalog([]byte("intents: []\nfallback: []\n"))
	assert.ErrorIs(t, err, errEmptyCatalog)

	_, err = ParseCatalog([]byte("intents:\n  - name: x\n    reply: y\nfallback: [z]\n"))
	assert.Error(t, err)

	c, err := ParseCatalog([]byte("intents:\n  - name: hi\n    keywords: [HeLLo]\n    reply: hey\nfallback: [z]\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"hello"}, c.Intents[0].Keywords)
}
