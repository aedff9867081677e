package memory

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelnet/governor/pkg/audit"
	"github.com/sentinelnet/governor/pkg/crypto"
	"github.com/sentinelnet/governor/pkg/store"
)

type allowPolicy struct{}

func (allowPolicy) Check(ctx context.Context, action string, actor, resource string, requestContext map[string]interface{}) (PolicyDecision, error) {
	return PolicyDecision{Allowed: true, PolicyID: "pol-1", RuleID: "rule-1"}, nil
}

type denyPolicy struct{}

func (denyPolicy) Check(ctx context.Context, action string, actor, resource string, requestContext map[string]interface{}) (PolicyDecision, error) {
	return PolicyDecision{Allowed: false, Rationale: "owner not entitled"}, nil
}

func TestCreateMemoryNode_DeniedByPolicy(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	local, err := crypto.NewEd25519Signer("test-kid")
	require.NoError(t, err)
	signer := crypto.NewChainSigner(nil, nil, local, false)
	chain := audit.NewChain(db, signer)
	vectors := store.NewPostgresVectorQueueStore(db)

	s := NewPostgresMemoryStore(db, denyPolicy{}, vectors, chain)

	_, err = s.CreateMemoryNode(context.Background(), CreateNodeInput{Owner: "user-1"}, AuditContext{ActorID: "actor-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPolicyDenied)
}

func TestCreateMemoryNode_SimpleNodeNoEmbeddingNoArtifacts(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	local, err := crypto.NewEd25519Signer("test-kid")
	require.NoError(t, err)
	signer := crypto.NewChainSigner(nil, nil, local, false)
	chain := audit.NewChain(db, signer).WithClock(func() time.Time { return time.Unix(1700000000, 0) })
	vectors := store.NewPostgresVectorQueueStore(db)

	s := NewPostgresMemoryStore(db, allowPolicy{}, vectors, chain)
	s.clock = func() time.Time { return time.Unix(1700000000, 0) }

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO memory_nodes")).
		WithArgs(sqlmock.AnyArg(), "user-1", sqlmock.AnyArg(), sqlmock.AnyArg(), false, nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT hash FROM audit_events ORDER BY ts DESC, id DESC LIMIT 1 FOR UPDATE")).
		WillReturnRows(sqlmock.NewRows([]string{"hash"}))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, signature, signer_id, prev_hash, ts FROM audit_events WHERE hash = $1")).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "signature", "signer_id", "prev_hash", "ts"}))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_events")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO reasoning_graph_queue")).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	result, err := s.CreateMemoryNode(context.Background(), CreateNodeInput{Owner: "user-1"}, AuditContext{ActorID: "actor-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, result.MemoryNodeID)
	assert.NotEmpty(t, result.AuditEventID)
	assert.Empty(t, result.EmbeddingJobID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateMemoryNode_ArtifactMissingManifestSignatureRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	local, err := crypto.NewEd25519Signer("test-kid")
	require.NoError(t, err)
	signer := crypto.NewChainSigner(nil, nil, local, false)
	chain := audit.NewChain(db, signer)
	vectors := store.NewPostgresVectorQueueStore(db)

	s := NewPostgresMemoryStore(db, allowPolicy{}, vectors, chain)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO memory_nodes")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectRollback()

	_, err = s.CreateMemoryNode(context.Background(), CreateNodeInput{
		Owner:     "user-1",
		Artifacts: []Artifact{{ArtifactURL: "s3://bucket/a", SHA256: "abc"}},
	}, AuditContext{ActorID: "actor-1"})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDelete_BlockedByLegalHold(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	local, err := crypto.NewEd25519Signer("test-kid")
	require.NoError(t, err)
	signer := crypto.NewChainSigner(nil, nil, local, false)
	chain := audit.NewChain(db, signer)
	vectors := store.NewPostgresVectorQueueStore(db)
	s := NewPostgresMemoryStore(db, allowPolicy{}, vectors, chain)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT legal_hold FROM memory_nodes WHERE id = $1")).
		WithArgs("node-1").
		WillReturnRows(sqlmock.NewRows([]string{"legal_hold"}).AddRow(true))
	mock.ExpectRollback()

	err = s.Delete(context.Background(), "node-1", "actor-1")
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStreamHashAndVerify_Mismatch(t *testing.T) {
	err := StreamHashAndVerify([]byte("hello"), "deadbeef")
	require.Error(t, err)
}

func TestStreamHashAndVerify_Match(t *testing.T) {
	err := StreamHashAndVerify([]byte("hello"), "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824")
	require.NoError(t, err)
}
