package admin

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newShell(t *testing.T) (*Shell, *fixture) {
	f := newFixture(t)
	return NewShell(f.svc, 0, zerolog.Nop()), f
}

func TestShellPairCommands(t *testing.T) {
	sh, _ := newShell(t)
	ctx := context.Background()

	out := sh.Execute(ctx, op, "addpair 100 200 signals")
	assert.Equal(t, "pair 1 created", out)

	out = sh.Execute(ctx, op, "listpairs")
	assert.Contains(t, out, "#1 signals 100→200 [active]")

	assert.Equal(t, "ok", sh.Execute(ctx, op, "editpair 1 name renamed feed"))
	assert.Contains(t, sh.Execute(ctx, op, "listpairs"), "renamed feed")

	assert.Equal(t, "pair 1 deleted", sh.Execute(ctx, op, "deletepair 1"))
	assert.Equal(t, "no pairs", sh.Execute(ctx, op, "listpairs"))
}

func TestShellRejectsUnknownPrincipal(t *testing.T) {
	sh, _ := newShell(t)
	out := sh.Execute(context.Background(), "mallory", "listpairs")
	assert.True(t, strings.HasPrefix(out, "error:"), out)
}

func TestShellUnknownCommand(t *testing.T) {
	sh, _ := newShell(t)
	assert.Contains(t, sh.Execute(context.Background(), op, "frobnicate 1"), "unknown command")
	assert.Contains(t, sh.Execute(context.Background(), op, "   "), "empty command")
}

func TestShellFilterRoundTrip(t *testing.T) {
	sh, _ := newShell(t)
	ctx := context.Background()

	require.Equal(t, "pair 1 created", sh.Execute(ctx, op, "addpair 100 200 p"))
	assert.Equal(t, "blocked", sh.Execute(ctx, op, "blockword spam 1"))

	out := sh.Execute(ctx, op, "testfilter 1 buy spam now")
	assert.Contains(t, out, "dropped")
	assert.Contains(t, out, "spam")

	out = sh.Execute(ctx, op, "testfilter 1 hello there")
	assert.Equal(t, "kept: hello there", out)

	assert.Equal(t, "unblocked", sh.Execute(ctx, op, "unblockword spam 1"))
	assert.Contains(t, sh.Execute(ctx, op, "testfilter 1 buy spam now"), "kept")
}

func TestShellOpsCommands(t *testing.T) {
	sh, f := newShell(t)
	ctx := context.Background()

	assert.Equal(t, "paused", sh.Execute(ctx, op, "pause"))
	assert.Equal(t, "resumed", sh.Execute(ctx, op, "resume"))
	assert.Equal(t, "ready=0 delayed=0", sh.Execute(ctx, op, "queue"))

	out := sh.Execute(ctx, op, "status")
	assert.Contains(t, out, `"paused": false`)

	_ = f
}

func TestShellBlockImageUsesConfiguredRadius(t *testing.T) {
	f := newFixture(t)
	sh := NewShell(f.svc, 7, zerolog.Nop())
	ctx := context.Background()

	img := image.NewGray(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8(x * 30)})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	out := sh.Execute(ctx, op, "blockimage "+base64.StdEncoding.EncodeToString(buf.Bytes()))
	assert.Contains(t, out, "image blocked")
	assert.Contains(t, sh.Execute(ctx, op, "listblockedimages"), "r=7")
}

func TestShellSubscriptionCommands(t *testing.T) {
	sh, _ := newShell(t)
	ctx := context.Background()

	out := sh.Execute(ctx, op, "addsub 42 30")
	assert.Contains(t, out, "user 42 subscribed until")

	assert.Contains(t, sh.Execute(ctx, op, "listsubs"), "42 until")
	assert.Contains(t, sh.Execute(ctx, op, "addsub 42 bogus"), "error:")
}
