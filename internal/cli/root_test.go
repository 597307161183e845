package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jvs-project/replvol/internal/admin"
	"github.com/jvs-project/replvol/pkg/color"
	"github.com/jvs-project/replvol/pkg/config"
)

func executeCommand(root *cobra.Command, args ...string) (stdout string, err error) {
	// Capture os.Stdout since CLI uses fmt.Printf directly
	oldStdout := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	done := make(chan struct{})
	var buf bytes.Buffer
	go func() {
		io.Copy(&buf, r)
		close(done)
	}()

	resetFlags(root)
	root.SetArgs(args)
	err = root.Execute()

	w.Close()
	os.Stdout = oldStdout
	<-done
	return buf.String(), err
}

// resetFlags restores every flag of the command tree to its default, since
// the commands are shared between test runs.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			sv.Replace(nil)
		} else {
			f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

type testDaemon struct {
	addr    string
	cfgPath string
	cfg     *config.Config
}

func startDaemon(t *testing.T) *testDaemon {
	t.Helper()
	color.Disable()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.StateDir = filepath.Join(dir, "state")
	cfg.MinorCount = 64
	cfg.Logging.Level = "error"
	cfg.Events.File = filepath.Join(dir, "events.jsonl")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	cfg.Listen = ln.Addr().String()

	cfgPath := filepath.Join(dir, "replvol.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("listen: "+cfg.Listen+"\nstate_dir: "+cfg.StateDir+"\n"), 0644))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- serve(ctx, cfg, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errc:
			assert.NoError(t, err)
		case <-time.After(15 * time.Second):
			t.Error("daemon did not stop")
		}
	})

	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", cfg.Listen)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 5*time.Second, 10*time.Millisecond)

	return &testDaemon{addr: cfg.Listen, cfgPath: cfgPath, cfg: cfg}
}

func (d *testDaemon) run(args ...string) (string, error) {
	full := append([]string{"--no-color", "--addr", d.addr, "--config", d.cfgPath}, args...)
	return executeCommand(rootCmd, full...)
}

func TestRootCommand_Help(t *testing.T) {
	stdout, err := executeCommand(rootCmd, "--help")
	require.NoError(t, err)
	assert.Contains(t, stdout, "replicated block volumes")
	assert.Contains(t, stdout, "new-connection")
	assert.Contains(t, stdout, "serve")
}

func TestRootCommand_JSONFlag(t *testing.T) {
	_, err := executeCommand(rootCmd, "--json", "--help")
	require.NoError(t, err)
	assert.True(t, jsonOutput)
}

func TestEveryOpcodeHasACommand(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, op := range admin.Opcodes() {
		if op == admin.OpGetStatus {
			assert.True(t, names["status"])
			continue
		}
		assert.True(t, names[string(op)], "no command for %s", op)
	}
}

func TestAdminCommands(t *testing.T) {
	d := startDaemon(t)

	out, err := d.run("new-connection", "r0")
	require.NoError(t, err)
	assert.Contains(t, out, "new-connection: OK")

	_, err = d.run("new-connection", "--exclusive", "r0")
	require.Error(t, err)
	assert.Equal(t, admin.ExitError, exitCode(err))

	_, err = d.run("new-minor", "r0", "1", "0")
	require.NoError(t, err)

	out, err = d.run("status")
	require.NoError(t, err)
	assert.Contains(t, out, "CONN")
	assert.Contains(t, out, "Secondary/Unknown")
	assert.Contains(t, out, "Diskless/DUnknown")

	out, err = d.run("status", "--minor", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "volume 0 of r0")

	out, err = d.run("--json", "status")
	require.NoError(t, err)
	var all []admin.Status
	require.NoError(t, json.Unmarshal([]byte(out), &all))
	require.Len(t, all, 1)
	assert.Equal(t, 1, all[0].Minor)

	out, err = d.run("get-timeout-type", "1")
	require.NoError(t, err)
	assert.Equal(t, "default\n", out)

	out, err = d.run("doctor")
	require.NoError(t, err)
	assert.Contains(t, out, "1 volumes checked")

	_, err = d.run("down", "r0")
	require.NoError(t, err)
	out, err = d.run("status")
	require.NoError(t, err)
	assert.Contains(t, out, "No connections configured.")
}

func TestRefusedPromotionExitStatus(t *testing.T) {
	d := startDaemon(t)
	_, err := d.run("new-connection", "r0")
	require.NoError(t, err)
	_, err = d.run("new-minor", "r0", "1", "0")
	require.NoError(t, err)

	_, err = d.run("primary", "1")
	require.Error(t, err)
	assert.Equal(t, admin.ExitStateRejected, exitCode(err))
	assert.Contains(t, err.Error(), "--assume-uptodate")

	_, err = d.run("primary", "7")
	require.Error(t, err)
	assert.Equal(t, admin.ExitError, exitCode(err))
	assert.Contains(t, err.Error(), "Known minors: 1")

	_, err = d.run("primary", "x")
	require.Error(t, err)
	assert.Equal(t, 1, exitCode(err))
}

func TestSetAttributes(t *testing.T) {
	d := startDaemon(t)
	_, err := d.run("new-connection", "r0")
	require.NoError(t, err)

	_, err = d.run("resource-options", "r0", "--set", "on-no-data-accessible=suspend-io")
	require.NoError(t, err)

	_, err = d.run("resource-options", "r0", "--set", "bogus=1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "E_MANDATORY_TAG")

	_, err = d.run("resource-options", "r0", "--set", "novalue")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "key=value")
}

func TestLockStatus(t *testing.T) {
	d := startDaemon(t)
	out, err := d.run("lock", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "is locked")
	assert.Contains(t, out, "Purpose:    serve")
}

func TestConfigCommands(t *testing.T) {
	d := startDaemon(t)
	out, err := d.run("config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "listen:")
	assert.Contains(t, out, d.addr)

	out, err = d.run("config", "options")
	require.NoError(t, err)
	assert.Contains(t, out, "ping-timeout")
	assert.Contains(t, out, "on-no-data-accessible")

	_, err = d.run("config", "validate")
	require.NoError(t, err)
}

func TestSecondDaemonIsRefused(t *testing.T) {
	d := startDaemon(t)
	cfg := *d.cfg
	cfg.Listen = "127.0.0.1:0"
	err := serve(context.Background(), &cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "locked")
}

func TestBuildRequest(t *testing.T) {
	resize := adminCommand{op: admin.OpResize, target: targetMinor}
	force := true
	req, err := buildRequest(resize, []string{"3"}, &adminFlags{
		set:      []string{"no-resync=true"},
		switches: map[string]*bool{"force": &force},
		size:     "10Gi",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, req.Minor)
	assert.Equal(t, admin.NoVolume, req.Volume)
	assert.Equal(t, "10Gi", req.Attrs["size"])
	assert.Equal(t, "true", req.Attrs["force"])
	assert.Equal(t, "true", req.Attrs["no-resync"])

	newMinor := adminCommand{op: admin.OpNewMinor, target: targetNewMinor}
	req, err = buildRequest(newMinor, []string{"r0", "4", "1"}, &adminFlags{exclusive: true})
	require.NoError(t, err)
	assert.Equal(t, "r0", req.Conn)
	assert.Equal(t, 4, req.Minor)
	assert.Equal(t, 1, req.Volume)
	assert.True(t, req.Exclusive)
	assert.Nil(t, req.Attrs)

	_, err = buildRequest(newMinor, []string{"r0", "x", "1"}, &adminFlags{})
	assert.Error(t, err)
}

func TestCreateMD(t *testing.T) {
	color.Disable()
	dev := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, os.WriteFile(dev, nil, 0644))
	require.NoError(t, os.Truncate(dev, 64<<20))

	out, err := executeCommand(rootCmd, "create-md", dev)
	require.NoError(t, err)
	assert.Contains(t, out, "metadata written")

	_, err = executeCommand(rootCmd, "create-md", "relative.img")
	assert.Error(t, err)
}
