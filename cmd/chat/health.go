package main

import (
	"context"
	"fmt"
	"io"

	"github.com/connexi/connexi-chat/internal/health"
)

func runHealth(ctx context.Context, out io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	status, err := health.Probe(ctx, healthAddr, healthService)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s: %s\n", healthAddr, status)
	return nil
}
