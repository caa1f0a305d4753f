package job

import (
	"testing"
	"time"

	"github.com/EternisAI/silo-dispatch/internal/codec"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandRoundTrip(t *testing.T) {
	cmd := Shell("whoami")

	data, err := EncodeCommand(cmd)
	require.NoError(t, err)

	decoded, err := DecodeCommand(data)
	require.NoError(t, err)
	assert.Equal(t, KindShell, decoded.Kind)
	require.NotNil(t, decoded.Shell)
	assert.Equal(t, "whoami", decoded.Shell.Line)
	assert.True(t, cmd.IssuedAt.Equal(decoded.IssuedAt))
	assert.NoError(t, decoded.Validate())
}

func TestEncodeCommandValidates(t *testing.T) {
	_, err := EncodeCommand(Shell(""))
	assert.ErrorIs(t, err, ErrEmptyShell)

	_, err = EncodeCommand(Command{Kind: "reboot"})
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestDecodeUnknownKind(t *testing.T) {
	data, err := codec.Marshal(Command{Kind: "upload", IssuedAt: time.Now()})
	require.NoError(t, err)

	cmd, err := DecodeCommand(data)
	require.NoError(t, err)
	assert.ErrorIs(t, cmd.Validate(), ErrUnknownKind)
}

func TestDecodeGarbage(t *testing.T) {
	_, err := DecodeCommand([]byte{0xff, 0x00, 0x13})
	assert.Error(t, err)

	_, err = DecodeResult([]byte("not cbor"))
	assert.Error(t, err)
}

func TestResultRoundTrip(t *testing.T) {
	started := time.Now().UTC().Truncate(time.Millisecond)
	res := Result{
		ExitCode:   0,
		Stdout:     []byte("root\n"),
		StartedAt:  started,
		FinishedAt: started.Add(20 * time.Millisecond),
	}

	data, err := EncodeResult(res)
	require.NoError(t, err)

	decoded, err := DecodeResult(data)
	require.NoError(t, err)
	assert.Equal(t, "root\n", string(decoded.Stdout))
	assert.True(t, decoded.Succeeded())
	assert.True(t, res.FinishedAt.Equal(decoded.FinishedAt))
}

func TestResultSucceeded(t *testing.T) {
	assert.True(t, Result{}.Succeeded())
	assert.False(t, Result{ExitCode: 1}.Succeeded())
	assert.False(t, Result{Error: "exec: not found"}.Succeeded())
}

func TestCommandString(t *testing.T) {
	assert.Equal(t, "uname -a", Shell("uname -a").String())
	assert.Equal(t, "upload", Command{Kind: "upload"}.String())
}

func TestResultContext(t *testing.T) {
	id := uuid.New()
	sig := []byte("signature-a")

	ctx := ResultContext(id, sig)
	assert.Len(t, ctx, 48)
	assert.Equal(t, id[:], ctx[:16])
	assert.Equal(t, ctx, ResultContext(id, sig))

	assert.NotEqual(t, ctx, ResultContext(id, []byte("signature-b")))
	assert.NotEqual(t, ctx, ResultContext(uuid.New(), sig))
}
