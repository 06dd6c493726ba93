package complete

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	codelet "github.com/Paranoid-AF/codelet"
	"github.com/Paranoid-AF/codelet/monitor"
)

func isolateConfig(t *testing.T) {
	t.Helper()
	t.Setenv("CODELET_CONFIG_DIR", t.TempDir())
	for _, k := range []string{
		"CODELET_GENERATION_MODEL",
		"CODELET_EMBEDDING_API_KEY",
	} {
		t.Setenv(k, "")
	}
}

func TestConfigTag(t *testing.T) {
	isolateConfig(t)
	cfg := codelet.DefaultConfig()
	base := ConfigTag(cfg, "")
	assert.Equal(t, base, ConfigTag(cfg, ""))

	assert.NotEqual(t, base, ConfigTag(cfg, "custom prompt"))

	other := codelet.DefaultConfig()
	other.Generation.Model = "another/model"
	assert.NotEqual(t, base, ConfigTag(other, ""))

	t.Setenv("CODELET_GENERATION_MODEL", "env/model")
	assert.NotEqual(t, base, ConfigTag(cfg, ""), "env override changes the model")
}

func TestFromConfigRejectsInvalid(t *testing.T) {
	isolateConfig(t)
	cfg := codelet.DefaultConfig()
	cfg.Context.MaxConcurrency = 0
	_, err := FromConfig(cfg, &fakeBackend{}, nil, nil)
	assert.Error(t, err)
}

func TestFromConfigWiresMonitor(t *testing.T) {
	isolateConfig(t)
	mon := monitor.New(monitor.WithSampler(func() monitor.MemoryStats {
		return monitor.MemoryStats{HeapUsed: 10 << 20, HeapTotal: 20 << 20, Limit: 110 << 20}
	}))

	e, err := FromConfig(codelet.DefaultConfig(), &fakeBackend{output: "x"}, mon, nil)
	require.NoError(t, err)
	defer e.Close()

	assert.NotNil(t, e.History())
	assert.Equal(t, 3, mon.TriggerCleanup(true), "cache, assembler and history register cleanup")

	out := e.Complete(context.Background(), request(codelet.TriggerExplicit), nil)
	assert.Equal(t, StateDelivered, out.State)
}

func TestFromConfigPersistence(t *testing.T) {
	isolateConfig(t)
	cfg := codelet.DefaultConfig()
	cfg.Cache.StorePath = filepath.Join(t.TempDir(), "cache")

	b := &fakeBackend{output: "<completion>Println()</completion>"}
	e, err := FromConfig(cfg, b, nil, nil)
	require.NoError(t, err)
	out := e.Complete(context.Background(), request(codelet.TriggerExplicit), nil)
	require.Equal(t, StateDelivered, out.State)
	e.RecordAcceptance(context.Background(), Acceptance{URI: "file:///tmp/main.go", LanguageID: "go", Text: "Println()", Accepted: true})
	require.NoError(t, e.Close())

	_, err = os.Stat(codelet.HistoryPath())
	require.NoError(t, err, "history saved on close")

	// a fresh engine finds the completion in the store and the history on disk
	e2, err := FromConfig(cfg, b, nil, nil)
	require.NoError(t, err)
	defer e2.Close()

	again := e2.Complete(context.Background(), request(codelet.TriggerExplicit), nil)
	require.Equal(t, StateDelivered, again.State)
	assert.Equal(t, codelet.SourceCache, again.Result.Source)
	assert.Equal(t, "Println()", again.Result.Text)
	assert.Equal(t, 1, e2.History().Len())
	assert.Equal(t, int32(1), b.calls.Load())
}

func TestFromConfigWithStoreSharesHandle(t *testing.T) {
	isolateConfig(t)
	cfg := codelet.DefaultConfig()
	cfg.Cache.StorePath = filepath.Join(t.TempDir(), "cache")
	db, err := OpenStore(cfg, nil)
	require.NoError(t, err)
	defer db.Close()

	b := &fakeBackend{output: "<completion>Println()</completion>"}
	e, err := FromConfigWithStore(cfg, b, nil, db, nil)
	require.NoError(t, err)
	out := e.Complete(context.Background(), request(codelet.TriggerExplicit), nil)
	require.Equal(t, StateDelivered, out.State)
	e.RecordAcceptance(context.Background(), Acceptance{URI: "file:///tmp/main.go", LanguageID: "go", Text: "Println()", Accepted: true})
	require.NoError(t, e.SaveHistory())

	// the successor opens while the first engine still runs
	e2, err := FromConfigWithStore(cfg, b, nil, db, nil)
	require.NoError(t, err)
	defer e2.Close()
	assert.Equal(t, 1, e2.History().Len(), "checkpointed history is loaded")
	require.NoError(t, e.Close())

	again := e2.Complete(context.Background(), request(codelet.TriggerExplicit), nil)
	require.Equal(t, StateDelivered, again.State)
	assert.Equal(t, codelet.SourceCache, again.Result.Source, "store still open after the first engine closed")
	assert.Equal(t, int32(1), b.calls.Load())
}
