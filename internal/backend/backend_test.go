package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/RobLe3/claudette/internal/errs"
)

func TestClassifyHTTPErrorMapsKnownStatuses(t *testing.T) {
	cases := []struct {
		status int
		want   errs.Kind
	}{
		{401, errs.KindAuth},
		{403, errs.KindAuth},
		{400, errs.KindInvalidRequest},
		{429, errs.KindRateLimited},
		{451, errs.KindContentPolicy},
		{500, errs.KindUpstream5xx},
		{503, errs.KindUpstream5xx},
		{0, errs.KindTransientNetwork},
	}
	for _, c := range cases {
		e := ClassifyHTTPError(c.status, "boom", "b1", 0)
		assert.Equal(t, c.want, e.Kind, "status %d", c.status)
		assert.Equal(t, "b1", e.LastBackend)
	}
}

func TestClassifyHTTPErrorCarriesRetryAfter(t *testing.T) {
	e := ClassifyHTTPError(429, "slow down", "b1", 7)
	assert.Equal(t, 7, e.RetryAfter)
}
