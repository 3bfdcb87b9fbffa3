package provider

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"transient", Transient(errors.New("throttled")), ClassTransient},
		{"permanent", Permanent(errors.New("bad spec")), ClassPermanent},
		{"unclassified", errors.New("boom"), ClassPermanent},
		{"wrapped transient", fmt.Errorf("create vpc: %w", Transient(errors.New("x"))), ClassTransient},
		{"permanent over transient", Permanent(fmt.Errorf("max retries: %w", Transient(errors.New("x")))), ClassPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassOf(tt.err))
		})
	}
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.True(t, IsTransient(Transientf("rate %s", "exceeded")))
	assert.False(t, IsTransient(Permanentf("nope")))
}

func TestClassify(t *testing.T) {
	assert.Nil(t, Classify(nil))
	assert.True(t, IsTransient(Classify(errors.New("Throttling: Rate exceeded"))))
	assert.True(t, IsTransient(Classify(errors.New("dial tcp: connection refused"))))
	assert.False(t, IsTransient(Classify(errors.New("InvalidParameterValue"))))

	// already classified errors keep their class
	perm := Permanent(errors.New("timeout in message but permanent"))
	assert.Same(t, perm, Classify(perm))
}

func TestErrorUnwrap(t *testing.T) {
	base := errors.New("root cause")
	err := Transient(base)
	assert.ErrorIs(t, err, base)
	assert.Contains(t, err.Error(), "transient")
}
