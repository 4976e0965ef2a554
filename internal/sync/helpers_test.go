package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/arwahdevops/bisync/internal/metrics"
	"github.com/arwahdevops/bisync/internal/model"
	"github.com/arwahdevops/bisync/internal/provider"
	"github.com/arwahdevops/bisync/internal/provider/memory"
)

const testScope = "catalog"

func categoryTable() *model.SyncTable {
	t := model.NewSyncTable("", "ProductCategory")
	t.Columns = []*model.SyncColumn{
		{Name: "ProductCategoryID", Type: model.TypeString},
		{Name: "Name", Type: model.TypeString},
	}
	t.PrimaryKeys = []string{"ProductCategoryID"}
	return t
}

func productTable() *model.SyncTable {
	t := model.NewSyncTable("", "Product")
	t.Columns = []*model.SyncColumn{
		{Name: "ProductID", Type: model.TypeInt},
		{Name: "Name", Type: model.TypeString},
		{Name: "ProductCategoryID", Type: model.TypeString, Nullable: true},
	}
	t.PrimaryKeys = []string{"ProductID"}
	return t
}

func categoryRelation() *model.SyncRelation {
	return &model.SyncRelation{
		Name:          "FK_Product_ProductCategory",
		ParentTable:   model.TableName{Name: "ProductCategory"},
		ParentColumns: []string{"ProductCategoryID"},
		ChildTable:    model.TableName{Name: "Product"},
		ChildColumns:  []string{"ProductCategoryID"},
	}
}

func catalogSchema(t *testing.T) *model.SyncSet {
	t.Helper()
	set := model.NewSyncSet()
	require.NoError(t, set.AddTable(categoryTable()))
	require.NoError(t, set.AddTable(productTable()))
	require.NoError(t, set.AddRelation(categoryRelation()))
	return set
}

// newServer returns a store holding one category and one product.
func newServer(t *testing.T) *memory.Store {
	t.Helper()
	s := memory.New(t.Name() + "-server")
	s.CreateTable(categoryTable())
	s.CreateTable(productTable())
	s.DefineRelation(categoryRelation())
	require.NoError(t, s.Upsert("ProductCategory", map[string]any{"ProductCategoryID": "BIKES", "Name": "Bikes"}))
	require.NoError(t, s.Upsert("Product", map[string]any{"ProductID": 1, "Name": "Road Bike", "ProductCategoryID": "BIKES"}))
	return s
}

func newClient(t *testing.T) *memory.Store {
	t.Helper()
	return memory.New(t.Name() + "-client")
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.ScopeName = testScope
	opts.Tables = []model.TableName{{Name: "ProductCategory"}, {Name: "Product"}}
	opts.NewBackOff = ConstantBackOff(time.Millisecond)
	return opts
}

func newAgent(t *testing.T, client, server provider.Provider, opts Options) *SyncAgent {
	t.Helper()
	log := zaptest.NewLogger(t)
	m := metrics.NewMetricsStore()
	return NewSyncAgent(NewLocalOrchestrator(client, opts, m, log), NewRemoteOrchestrator(server, opts, m, log), m, log)
}

// storedScope reads the persisted scope of store, nil when never saved.
func storedScope(t *testing.T, s *memory.Store) *model.ScopeInfo {
	t.Helper()
	ctx := context.Background()
	sess, err := s.OpenSession(ctx)
	require.NoError(t, err)
	defer sess.Close()
	scope, err := s.GetScopeInfo(ctx, sess, testScope)
	require.NoError(t, err)
	return scope
}

func mustSync(t *testing.T, agent *SyncAgent, options ...SyncOption) *SyncResult {
	t.Helper()
	result, err := agent.Synchronize(context.Background(), options...)
	require.NoError(t, err)
	return result
}

func productName(t *testing.T, s *memory.Store, id int) string {
	t.Helper()
	row, ok := s.Get("Product", id)
	require.True(t, ok, "product %d not found in %s", id, s.Name())
	name, _ := row["Name"].(string)
	return name
}

func assertNoOpenSessions(t *testing.T, stores ...*memory.Store) {
	t.Helper()
	for _, s := range stores {
		require.Zero(t, s.OpenSessions(), "store %s leaked sessions", s.Name())
	}
}

// storedPeers reads the peer records of store for the test scope.
func storedPeers(t *testing.T, s *memory.Store) []*model.PeerScope {
	t.Helper()
	ctx := context.Background()
	sess, err := s.OpenSession(ctx)
	require.NoError(t, err)
	defer sess.Close()
	peers, err := s.GetPeerScopes(ctx, sess, testScope)
	require.NoError(t, err)
	return peers
}

// appliedByTable sums applied rows per table.
func appliedByTable(applied []model.TableChangesApplied) map[string]int {
	out := make(map[string]int)
	for _, tca := range applied {
		out[tca.TableName] += tca.Applied
	}
	return out
}
