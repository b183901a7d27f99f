package httphost

import (
	"context"
	"fmt"

	"github.com/xscopehub/toolhost/internal/protocol"
	"github.com/xscopehub/toolhost/internal/resources"
	"github.com/xscopehub/toolhost/internal/schema"
	"github.com/xscopehub/toolhost/internal/testrun"
)

const KindTestSuite resources.Kind = "test-suite"

var newTestSuite = testrun.Factory("TEST_COMMAND", "npm test", "TEST_WORKDIR")

func runTestsDescriptor() protocol.ToolDescriptor {
	return protocol.ToolDescriptor{
		Name:        "run_tests",
		Description: "Run the service test suite configured by TEST_COMMAND",
		InputSchema: schema.Object(
			schema.Prop("path", schema.String().Describe("test file or directory").WithDefault("")),
			schema.Prop("pattern", schema.String().Describe("only run tests whose name matches").WithDefault("")),
			schema.Prop("coverage", schema.Boolean().WithDefault(false)),
		),
	}
}

func (h *handlers) runTests(ctx context.Context, args protocol.Args) (protocol.ToolResult, error) {
	extra, err := testrun.Selection(args.String("path"), "-t", args.String("pattern"))
	if err != nil {
		return protocol.ToolResult{}, err
	}
	if args.Bool("coverage") {
		extra = append(extra, "--coverage")
	}
	suite, err := resources.Get[testrun.Suite](ctx, h.handles, KindTestSuite)
	if err != nil {
		return protocol.ToolResult{}, err
	}
	rep, err := suite.Run(ctx, extra, nil)
	if err != nil {
		return protocol.ToolResult{}, fmt.Errorf("run tests: %w", err)
	}
	return rep.Result("tests://service"), nil
}
