package debuginfo

import (
	"os"
	"reflect"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func selfExe(t *testing.T) string {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	return exe
}

// funcSym finds the test binary's symbol for fn by name, which keeps the
// test independent of load bias.
func funcSym(t *testing.T, table *SymbolTable, fn any) Sym {
	t.Helper()

	pc := reflect.ValueOf(fn).Pointer()
	name := runtime.FuncForPC(pc).Name()
	require.NotEmpty(t, name)

	sym, ok := table.LookupName(name)
	require.True(t, ok, "symbol %s not found", name)
	require.Equal(t, name, sym.Name)
	return sym
}

func TestSymbolTable_SelfLookup(t *testing.T) {
	table, err := LoadSymbolTable(selfExe(t))
	require.NoError(t, err)
	require.Greater(t, table.Len(), 100)

	sym := funcSym(t, table, LoadSymbolTable)
	require.NotZero(t, sym.Addr)

	found, ok := table.Lookup(sym.Addr)
	require.True(t, ok)
	require.Equal(t, sym.Name, found.Name)
	require.Equal(t, sym.Addr, found.Addr)

	if sym.Size > 4 {
		found, ok = table.Lookup(sym.Addr + 4)
		require.True(t, ok)
		require.Equal(t, sym.Name, found.Name)
		require.Equal(t, sym.Addr, found.Addr)
	}
}

func TestSymbolTable_LookupMisses(t *testing.T) {
	table, err := LoadSymbolTable(selfExe(t))
	require.NoError(t, err)

	_, ok := table.Lookup(0)
	require.False(t, ok)

	_, ok = table.LookupName("definitely$not$a$symbol")
	require.False(t, ok)
}

func TestTableCache_Memoizes(t *testing.T) {
	cache, err := NewTableCache(4)
	require.NoError(t, err)

	exe := selfExe(t)
	first, err := cache.Load(exe)
	require.NoError(t, err)
	second, err := cache.Load(exe)
	require.NoError(t, err)
	require.Same(t, first, second)

	_, err = cache.Load(exe + ".does-not-exist")
	require.Error(t, err)
}

func TestResolver_SelfResolve(t *testing.T) {
	exe := selfExe(t)
	r, err := NewResolver(exe)
	require.NoError(t, err)

	sym := funcSym(t, r.Table(), LoadSymbolTable)

	infos := r.Resolve(sym.Addr)
	require.NotEmpty(t, infos)
	require.Equal(t, sym.Name, infos[0].Function)

	if r.HasDebugInfo() {
		require.NotEmpty(t, infos[0].File)
		require.Greater(t, infos[0].Line, 0)
	}
}

func TestResolver_UnknownAddress(t *testing.T) {
	r, err := NewResolver(selfExe(t))
	require.NoError(t, err)
	require.Empty(t, r.Resolve(1))
}
