// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package model_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opentofu-labs/buildgraph/internal/model"
)

func processCmd(program string, args ...string) model.Command {
	return model.Command{Process: &model.ProcessCommand{
		Program: program, Args: args, MaxExitCode: 0, ResponseFileThreshold: -1,
	}}
}

func TestCommandSignatureDistinguishesArgs(t *testing.T) {
	a := processCmd("cc", "-c", "main.c")
	b := processCmd("cc", "-c", "main.c")
	c := processCmd("cc", "-O2", "main.c")

	require.True(t, a.Equal(b))
	require.False(t, a.Equal(c))
}

func TestCommandSignatureDistinguishesKinds(t *testing.T) {
	p := processCmd("cc")
	s := model.Command{Script: &model.ScriptCommand{Source: "func Run(properties map[string]string) error { return nil }"}}
	require.False(t, p.Equal(s))
	require.False(t, s.Equal(p))
}

func TestCommandSignatureComparesEnvironmentOverlay(t *testing.T) {
	a := model.Command{Process: &model.ProcessCommand{Program: "cc", Env: map[string]string{"LANG": "C"}}}
	b := model.Command{Process: &model.ProcessCommand{Program: "cc", Env: map[string]string{"LANG": "C"}}}
	c := model.Command{Process: &model.ProcessCommand{Program: "cc", Env: map[string]string{"LANG": "en_US"}}}

	require.True(t, a.Equal(b))
	require.False(t, a.Equal(c))
}

func TestCommandListSignatureIsOrderSensitive(t *testing.T) {
	x := []model.Command{processCmd("cc", "-c"), processCmd("ld")}
	y := []model.Command{processCmd("cc", "-c"), processCmd("ld")}
	z := []model.Command{processCmd("ld"), processCmd("cc", "-c")}

	require.True(t, model.CommandListSignature(x, y))
	require.False(t, model.CommandListSignature(x, z))
	require.False(t, model.CommandListSignature(x, x[:1]))
}

func TestSetFilePathKeepsSplitCacheInSync(t *testing.T) {
	a := model.NewArtifact(model.InvalidArtifactHandle, model.InvalidProductHandle, "/src/main.c", model.KindSource)
	require.Equal(t, "/src", a.DirPath())
	require.Equal(t, "main.c", a.FileName())

	a.SetFilePath("/other/dir/lib.c")
	require.Equal(t, "/other/dir", a.DirPath())
	require.Equal(t, "lib.c", a.FileName())

	a.SetFilePath("bare.c")
	require.Equal(t, "", a.DirPath())
	require.Equal(t, "bare.c", a.FileName())
}
