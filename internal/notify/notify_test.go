package notify

import (
	"context"
	"errors"
	"testing"

	"marketplace-core/internal/models"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type stubPublisher struct {
	got []models.Notification
	err error
}

func (p *stubPublisher) PublishNotification(_ context.Context, n models.Notification) error {
	p.got = append(p.got, n)
	return p.err
}

func TestBrokerSink_StampsAndSwallowsErrors(t *testing.T) {
	pub := &stubPublisher{err: errors.New("broker down")}
	sink := NewBrokerSink(pub, zap.NewNop())

	assert.NotPanics(t, func() {
		sink.Emit(context.Background(), models.Notification{UserID: "u1", Type: models.NotificationBidPlaced})
	})

	assert.Len(t, pub.got, 1)
	assert.False(t, pub.got[0].CreatedAt.IsZero())
}

func TestFanout_DeliversToAll(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	Fanout{a, b, Discard{}}.Emit(context.Background(), models.Notification{UserID: "seller"})

	assert.Len(t, a.ForUser("seller"), 1)
	assert.Len(t, b.All(), 1)
	assert.Empty(t, a.ForUser("buyer"))
}
