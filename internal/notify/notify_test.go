package notify

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"swap-engine/internal/swap"

	"github.com/ethereum/go-ethereum/common"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var owner = common.HexToAddress("0x1000000000000000000000000000000000000001")

func sampleOutcome() swap.Outcome {
	return swap.Outcome{
		TxHash:     common.HexToHash("0x01"),
		SellToken:  swap.Token{Address: swap.NativeAddress, Symbol: "ETH", Decimals: 18},
		BuyToken:   swap.Token{Address: common.HexToAddress("0x2000000000000000000000000000000000000002"), Symbol: "USDC", Decimals: 6},
		FromAmount: big.NewInt(1),
		ToAmount:   big.NewInt(2),
		Status:     swap.OutcomeSuccess,
		Timestamp:  time.Unix(1_700_000_000, 0).UTC(),
	}
}

func TestSinkPublishesToMemory(t *testing.T) {
	pub := NewMemoryPublisher(1)
	sink := NewSink(pub, owner)
	require.NoError(t, sink.RecordOutcome(context.Background(), sampleOutcome()))

	event := <-pub.Events()
	assert.Equal(t, EventTypeOutcome, event.Type)
	assert.NotEmpty(t, event.ID)
	assert.Equal(t, owner, event.Owner)
	assert.Equal(t, "USDC", event.Outcome.BuyToken.Symbol)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, pub.Publish(ctx, event))
	assert.ErrorIs(t, pub.Publish(ctx, event), context.DeadlineExceeded)

	require.NoError(t, pub.Close())
	assert.Error(t, pub.Publish(context.Background(), event))
}

func TestNilSinkIsNoop(t *testing.T) {
	var sink *Sink
	require.NoError(t, sink.RecordOutcome(context.Background(), sampleOutcome()))
	require.NoError(t, NewSink(nil, owner).RecordOutcome(context.Background(), sampleOutcome()))
}

func TestNewDrivers(t *testing.T) {
	pub, err := New(Config{})
	require.NoError(t, err)
	assert.Nil(t, pub)

	pub, err = New(Config{Driver: "memory"})
	require.NoError(t, err)
	_, ok := pub.(*MemoryPublisher)
	assert.True(t, ok)

	_, err = New(Config{Driver: "kafka"})
	require.Error(t, err)
	_, err = New(Config{Driver: "redis"})
	require.Error(t, err)
	_, err = New(Config{Driver: "rabbitmq"})
	require.Error(t, err)
}

func TestPublishingCarriesEventMetadata(t *testing.T) {
	event := NewOutcomeEvent(owner, sampleOutcome())
	msg, err := publishing(event)
	require.NoError(t, err)
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Equal(t, event.ID, msg.MessageId)

	var decoded Event
	require.NoError(t, json.Unmarshal(msg.Body, &decoded))
	assert.Equal(t, event.ID, decoded.ID)
	assert.Equal(t, swap.OutcomeSuccess, decoded.Outcome.Status)
}

func TestRedisPublisherReportsConnectionFailure(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	pub := NewRedisPublisherWithClient(client, "", 0)
	defer pub.Close()
	assert.Equal(t, "swapd:outcomes", pub.list)
	assert.Equal(t, int64(1000), pub.maxLen)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.Error(t, pub.Publish(ctx, NewOutcomeEvent(owner, sampleOutcome())))
}
