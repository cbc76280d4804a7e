package publish

import (
	"context"
	"errors"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"

	"rplidar/mocks"
)

func TestFunc(t *testing.T) {
	var gotTopic string
	var gotPayload []byte
	f := Func(func(_ context.Context, topic string, payload []byte) error {
		gotTopic, gotPayload = topic, payload
		return nil
	})

	assert.NoError(t, f.Publish(context.Background(), "RpLidar", []byte{1, 2}))
	assert.Equal(t, "RpLidar", gotTopic)
	assert.Equal(t, []byte{1, 2}, gotPayload)
}

func TestMultiPublishesToAll(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	first := mocks.NewMockPublisher(mockCtrl)
	second := mocks.NewMockPublisher(mockCtrl)

	payload := []byte{0xAA}
	first.EXPECT().Publish(gomock.Any(), "RpLidar", payload).Return(nil).Times(1)
	second.EXPECT().Publish(gomock.Any(), "RpLidar", payload).Return(nil).Times(1)

	assert.NoError(t, Multi{first, second}.Publish(context.Background(), "RpLidar", payload))
}

func TestMultiContinuesAfterFailure(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	first := mocks.NewMockPublisher(mockCtrl)
	second := mocks.NewMockPublisher(mockCtrl)

	boom := errors.New("connection refused")
	first.EXPECT().Publish(gomock.Any(), gomock.Any(), gomock.Any()).Return(boom).Times(1)
	second.EXPECT().Publish(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).Times(1)

	err := Multi{first, second}.Publish(context.Background(), "RpLidar", nil)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "publisher 0")
}

func TestDiscard(t *testing.T) {
	assert.NoError(t, Discard.Publish(context.Background(), "RpLidar", []byte{1}))
}
