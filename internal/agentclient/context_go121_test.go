// ABOUTME: Test helper providing a per-test context, equivalent to
// t.Context() which requires Go 1.24.
package agentclient

import (
	"context"
	"testing"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
