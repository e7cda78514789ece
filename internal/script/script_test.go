// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package script_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opentofu-labs/buildgraph/internal/model"
	"github.com/opentofu-labs/buildgraph/internal/script"
)

func TestEvalPrepareScriptProducesCommands(t *testing.T) {
	engine, err := script.New()
	require.NoError(t, err)

	source := `
import "buildgraph"

func Prepare(scope buildgraph.Scope) ([]buildgraph.Command, error) {
	args := append([]string{"-o"}, scope.Outputs...)
	args = append(args, scope.Inputs...)
	return []buildgraph.Command{
		{Process: &buildgraph.ProcessCommand{Program: "cc", Args: args, ResponseFileThreshold: -1}},
	}, nil
}
`
	scope := script.Scope{
		Inputs:  []string{"/src/main.c"},
		Outputs: []string{"/build/main.o"},
	}
	commands, err := engine.EvalPrepareScript(context.Background(), model.SourceLocation{File: "app.qbs", Line: 4}, source, scope)
	require.NoError(t, err)
	require.Len(t, commands, 1)
	require.Equal(t, "cc", commands[0].Process.Program)
	require.Equal(t, []string{"-o", "/build/main.o", "/src/main.c"}, commands[0].Process.Args)
}

func TestEvalPrepareScriptRejectsDisallowedImport(t *testing.T) {
	engine, err := script.New()
	require.NoError(t, err)

	source := `
import (
	"buildgraph"
	"os/exec"
)

func Prepare(scope buildgraph.Scope) ([]buildgraph.Command, error) {
	_ = exec.Command
	return nil, nil
}
`
	_, err = engine.EvalPrepareScript(context.Background(), model.SourceLocation{File: "bad.qbs"}, source, script.Scope{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "disallowed import")
}

func TestEvalPrepareScriptReportsMissingPrepare(t *testing.T) {
	engine, err := script.New()
	require.NoError(t, err)

	_, err = engine.EvalPrepareScript(context.Background(), model.SourceLocation{File: "empty.qbs"},
		"func NotPrepare() {}", script.Scope{})
	require.Error(t, err)
}

func TestTemplateVarsDeriveInputComponents(t *testing.T) {
	vars := script.TemplateVars("/src/archive.tar.gz")
	require.Equal(t, "archive.tar.gz", vars["input.fileName"])
	require.Equal(t, "archive", vars["input.baseName"])
	require.Equal(t, "archive.tar", vars["input.completeBaseName"])
	require.Equal(t, "/src", vars["input.baseDir"])
	require.Equal(t, "/src/archive.tar.gz", vars["input.filePath"])
}

func TestEvalTemplateExpression(t *testing.T) {
	engine, err := script.New()
	require.NoError(t, err)

	vars := script.TemplateVars("/src/main.c")

	out, err := engine.EvalTemplateExpression("${input.baseName}.o", vars)
	require.NoError(t, err)
	require.Equal(t, "main.o", out)

	out, err = engine.EvalTemplateExpression("obj/${input.baseDir}/${input.fileName}", vars)
	require.NoError(t, err)
	require.Equal(t, "obj//src/main.c", out)

	out, err = engine.EvalTemplateExpression("plain.txt", nil)
	require.NoError(t, err)
	require.Equal(t, "plain.txt", out)

	_, err = engine.EvalTemplateExpression("${input.baseName}.o", nil)
	require.Error(t, err)

	_, err = engine.EvalTemplateExpression("${input.unknown}", vars)
	require.Error(t, err)

	_, err = engine.EvalTemplateExpression("${input.baseName", vars)
	require.Error(t, err)
}

func TestEvalFilterKeepsAndDropsLines(t *testing.T) {
	engine, err := script.New()
	require.NoError(t, err)

	source := `
import "strings"

func Filter(line string) (string, bool) {
	if strings.HasPrefix(line, "warning:") {
		return "", false
	}
	return strings.TrimSpace(line), true
}
`
	filter, err := engine.EvalFilter(source)
	require.NoError(t, err)

	out, keep := filter("  error: boom  ")
	require.True(t, keep)
	require.Equal(t, "error: boom", out)

	_, keep = filter("warning: noisy")
	require.False(t, keep)
}

func TestEvalScriptCommandPropagatesError(t *testing.T) {
	engine, err := script.New()
	require.NoError(t, err)

	source := `
import "fmt"

func Run(properties map[string]string) error {
	return fmt.Errorf("step %s failed", properties["step"])
}
`
	err = engine.EvalScriptCommand(context.Background(), model.SourceLocation{File: "cmd.qbs", Line: 9},
		source, map[string]string{"step": "link"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "step link failed")
}

func TestEvalScriptCommandSucceeds(t *testing.T) {
	engine, err := script.New()
	require.NoError(t, err)

	err = engine.EvalScriptCommand(context.Background(), model.SourceLocation{},
		"func Run(properties map[string]string) error {\n\treturn nil\n}", nil)
	require.NoError(t, err)
}
