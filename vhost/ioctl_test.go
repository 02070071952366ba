package vhost_test

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"

	"github.com/slackhq/virtnet/vhost"
)

func TestQueueState_Size(t *testing.T) {
	assert.EqualValues(t, 8, unsafe.Sizeof(vhost.QueueState{}))
}

func TestQueueAddresses_Size(t *testing.T) {
	assert.EqualValues(t, 40, unsafe.Sizeof(vhost.QueueAddresses{}))
}

func TestQueueFile_Size(t *testing.T) {
	assert.EqualValues(t, 8, unsafe.Sizeof(vhost.QueueFile{}))
}
