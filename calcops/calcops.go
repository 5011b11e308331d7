// Package calcops defines the capabilities the gateway exposes for the
// calculator backend: a health check and two-number addition.
package calcops

import (
	"context"
	"fmt"
	"strconv"

	"github.com/calclab/calc-gateway-go/backend"
	"github.com/calclab/calc-gateway-go/capability"
)

// AddArgs is the input contract for the add capability. Both fields accept a
// number or a string representation of one.
type AddArgs struct {
	A capability.FlexNumber `json:"a" jsonschema:"description=First addend; a number or a numeric string."`
	B capability.FlexNumber `json:"b" jsonschema:"description=Second addend; a number or a numeric string."`
}

// Capabilities returns the capability set backed by bridge.
func Capabilities(bridge *backend.Bridge) []capability.Capability {
	ping := capability.New("ping", func(ctx context.Context, _ struct{}) (*capability.Result, error) {
		payload, err := bridge.Ping(ctx)
		if err != nil {
			return nil, err
		}
		res := capability.TextResult("backend is reachable")
		res.Payload = payload
		return res, nil
	}, capability.WithDescription("Check that the calculator backend is reachable."))

	add := capability.New("add", func(ctx context.Context, args AddArgs) (*capability.Result, error) {
		payload, err := bridge.Add(ctx, args.A.Float64(), args.B.Float64())
		if err != nil {
			return nil, err
		}
		sum := args.A.Float64() + args.B.Float64()
		res := capability.TextResult(fmt.Sprintf("%s + %s = %s",
			formatNumber(args.A.Float64()),
			formatNumber(args.B.Float64()),
			formatNumber(sum)))
		res.Payload = payload
		return res, nil
	}, capability.WithDescription("Add two numbers using the calculator backend."))

	return []capability.Capability{ping, add}
}

// NewRegistry builds a registry holding the calculator capabilities.
func NewRegistry(bridge *backend.Bridge) (*capability.Registry, error) {
	return capability.NewRegistry(Capabilities(bridge)...)
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
