//go:build !gcp

package snapshot

import (
	"context"
	"fmt"
)

func newGCSSink(context.Context, GCSConfig) (Sink, error) {
	return nil, fmt.Errorf("gcs snapshot sink is not enabled in this build (use -tags gcp)")
}
