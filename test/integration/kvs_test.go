package integration

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSystem runs kvs-server binaries against one data directory and drives
// them with kvs-client.
type TestSystem struct {
	t           *testing.T
	bin         string
	dataPath    string
	addr        string
	metricsAddr string
	server      *exec.Cmd
	httpClient  *http.Client
}

// buildOnce compiles the binaries into one directory for the whole run.
var (
	buildOnce sync.Once
	binDir    string
	buildErr  error
)

func buildBinaries(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		binDir, buildErr = os.MkdirTemp("", "kvs-bin")
		if buildErr != nil {
			return
		}
		for _, name := range []string{"kvs-server", "kvs-client"} {
			out, err := exec.Command("go", "build", "-o", filepath.Join(binDir, name),
				"github.com/dreamware/kvs/cmd/"+name).CombinedOutput()
			if err != nil {
				buildErr = fmt.Errorf("build %s: %v\n%s", name, err, out)
				return
			}
		}
	})
	if buildErr != nil {
		t.Skipf("Skipping integration test: %v", buildErr)
	}
	return binDir
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// NewTestSystem prepares a server on fresh ports and an empty data directory.
func NewTestSystem(t *testing.T) *TestSystem {
	return &TestSystem{
		t:           t,
		bin:         buildBinaries(t),
		dataPath:    t.TempDir(),
		addr:        freeAddr(t),
		metricsAddr: freeAddr(t),
		httpClient:  &http.Client{Timeout: 5 * time.Second},
	}
}

// Start launches kvs-server and waits for its health endpoint.
func (ts *TestSystem) Start(engine string) {
	ts.t.Helper()
	ts.server = exec.Command(filepath.Join(ts.bin, "kvs-server"),
		"--addr", ts.addr,
		"--metrics-addr", ts.metricsAddr,
		"--engine", engine,
		"--data-path", ts.dataPath,
		"--log-level", "warn",
	)
	ts.server.Stdout = os.Stdout
	ts.server.Stderr = os.Stderr
	require.NoError(ts.t, ts.server.Start())
	ts.t.Cleanup(ts.Kill)
	require.NoError(ts.t, ts.waitForService("http://"+ts.metricsAddr+"/health"))
}

// Stop sends SIGTERM and waits for a clean exit.
func (ts *TestSystem) Stop() {
	ts.t.Helper()
	require.NoError(ts.t, ts.server.Process.Signal(syscall.SIGTERM))
	require.NoError(ts.t, ts.server.Wait())
	ts.server = nil
}

// Kill ends the server without letting it close the engine.
func (ts *TestSystem) Kill() {
	if ts.server != nil && ts.server.Process != nil {
		_ = ts.server.Process.Kill()
		_ = ts.server.Wait()
		ts.server = nil
	}
}

func (ts *TestSystem) waitForService(url string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for %s", url)
		default:
			resp, err := ts.httpClient.Get(url)
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					return nil
				}
			}
			time.Sleep(100 * time.Millisecond)
		}
	}
}

// Client runs kvs-client and returns its exit code, stdout and stderr.
func (ts *TestSystem) Client(args ...string) (int, string, string) {
	ts.t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := exec.Command(filepath.Join(ts.bin, "kvs-client"), append(args, "--addr", ts.addr)...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	code := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
	} else {
		require.NoError(ts.t, err)
	}
	return code, stdout.String(), stderr.String()
}

func (ts *TestSystem) mustSet(key, value string) {
	ts.t.Helper()
	code, _, stderr := ts.Client("set", key, value)
	require.Equal(ts.t, 0, code, stderr)
}

func (ts *TestSystem) get(key string) string {
	ts.t.Helper()
	code, stdout, stderr := ts.Client("get", key)
	require.Equal(ts.t, 0, code, stderr)
	return stdout
}

func TestKvs(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	for _, engine := range []string{"kvs", "pebble"} {
		t.Run(engine, func(t *testing.T) {
			ts := NewTestSystem(t)
			ts.Start(engine)

			t.Run("Sequence", func(t *testing.T) {
				assert.Equal(t, "Key not found\n", ts.get("key1"))
				ts.mustSet("key1", "value1")
				assert.Equal(t, "value1\n", ts.get("key1"))
				ts.mustSet("key1", "value2")
				assert.Equal(t, "value2\n", ts.get("key1"))

				code, _, _ := ts.Client("rm", "key1")
				assert.Equal(t, 0, code)
				assert.Equal(t, "Key not found\n", ts.get("key1"))

				code, stdout, stderr := ts.Client("rm", "key1")
				assert.Equal(t, 1, code)
				assert.Empty(t, stdout)
				assert.Equal(t, "Key not found\n", stderr)
			})

			t.Run("ConcurrentClients", func(t *testing.T) {
				var wg sync.WaitGroup
				errs := make(chan error, 8)
				for i := 0; i < 8; i++ {
					wg.Add(1)
					go func(i int) {
						defer wg.Done()
						out, err := exec.Command(filepath.Join(ts.bin, "kvs-client"),
							"set", fmt.Sprintf("c%d", i), fmt.Sprintf("v%d", i), "--addr", ts.addr).CombinedOutput()
						if err != nil {
							errs <- fmt.Errorf("client %d: %v: %s", i, err, out)
						}
					}(i)
				}
				wg.Wait()
				close(errs)
				for err := range errs {
					t.Error(err)
				}
				for i := 0; i < 8; i++ {
					assert.Equal(t, fmt.Sprintf("v%d\n", i), ts.get(fmt.Sprintf("c%d", i)))
				}
			})

			t.Run("GracefulRestart", func(t *testing.T) {
				ts.mustSet("durable", "yes")
				ts.mustSet("gone", "soon")
				code, _, _ := ts.Client("rm", "gone")
				require.Equal(t, 0, code)

				ts.Stop()
				ts.Start(engine)

				assert.Equal(t, "yes\n", ts.get("durable"))
				assert.Equal(t, "Key not found\n", ts.get("gone"))
			})

			t.Run("CrashRestart", func(t *testing.T) {
				ts.mustSet("after-crash", "kept")
				ts.Kill()
				ts.Start(engine)
				assert.Equal(t, "kept\n", ts.get("after-crash"))
			})

			t.Run("WrongEngineRefused", func(t *testing.T) {
				ts.Stop()
				other := "pebble"
				if engine == "pebble" {
					other = "kvs"
				}
				cmd := exec.Command(filepath.Join(ts.bin, "kvs-server"),
					"--addr", ts.addr, "--engine", other, "--data-path", ts.dataPath)
				out, err := cmd.CombinedOutput()
				require.Error(t, err)
				assert.Contains(t, string(out), "engine")
			})
		})
	}
}
