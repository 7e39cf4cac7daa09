package errors_test

import (
	stderrors "errors"
	"fmt"
	"testing"

	"codeberg.org/mutker/npuctl/internal/errors"
	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const errTest = errors.ErrorCode("test_code")

func TestFactory(t *testing.T) {
	errFactory := errors.New()

	err := errFactory.New(errors.ErrTimeout)
	assert.Equal(t, errors.ErrTimeout, err.Code())
	assert.Equal(t, "Operation timed out", err.Error())

	cause := stderrors.New("boom")
	wrapped := errFactory.Wrap(errTest, cause)
	assert.ErrorIs(t, wrapped, cause)
	assert.Equal(t, "test_code: boom", wrapped.Error())

	withMsg := wrapped.WithMessage("custom")
	assert.Equal(t, "custom: boom", withMsg.Error())
	assert.ErrorIs(t, withMsg, cause)

	withData := errFactory.WithData(errTest, 42)
	assert.Equal(t, 42, withData.GetData())
}

func TestHasCode(t *testing.T) {
	errFactory := errors.New()

	inner := errFactory.New(errTest)
	outer := errFactory.Wrap(errors.ErrOperationFailed, fmt.Errorf("context: %w", inner))

	assert.True(t, errors.HasCode(outer, errTest))
	assert.True(t, errors.HasCode(outer, errors.ErrOperationFailed))
	assert.False(t, errors.HasCode(outer, errors.ErrTimeout))
	assert.False(t, errors.HasCode(nil, errTest))
	assert.Equal(t, errors.ErrOperationFailed, errors.CodeOf(outer))
}

func TestHasCodeThroughMultierror(t *testing.T) {
	errFactory := errors.New()

	var result *multierror.Error
	result = multierror.Append(result, stderrors.New("plain"))
	result = multierror.Append(result, errFactory.New(errTest))

	err := result.ErrorOrNil()
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errTest))
}
