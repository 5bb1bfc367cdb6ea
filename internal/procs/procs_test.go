package procs

import (
	"context"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbeCurrentProcessIsAlive(t *testing.T) {
	assert.Equal(t, LivenessAlive, Probe(os.Getpid()))
	assert.Equal(t, LivenessDead, Probe(0))
}

func TestTerminateStopsChild(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid
	go func() { _ = cmd.Wait() }()

	require.True(t, Alive(pid))
	_, err := Terminate(context.Background(), pid, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, WaitExit(context.Background(), pid, 2*time.Second))
}

func TestSignalVanishedProcessIsNotAnError(t *testing.T) {
	if _, err := exec.LookPath("true"); err != nil {
		t.Skip("true not available")
	}
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	assert.NoError(t, Signal(cmd.Process.Pid, 15))
}

func TestUnreapedChildProbesDead(t *testing.T) {
	if _, err := exec.LookPath("true"); err != nil {
		t.Skip("true not available")
	}
	cmd := exec.Command("true")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() { _ = cmd.Wait() })

	// the exited child stays a zombie until Wait reaps it
	assert.Eventually(t, func() bool {
		return isZombie(cmd.Process.Pid) && Probe(cmd.Process.Pid) == LivenessDead
	}, 5*time.Second, 20*time.Millisecond)
}
