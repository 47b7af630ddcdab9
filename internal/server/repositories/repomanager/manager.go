package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/oauthproxy/internal/dbx"
	"github.com/dmitrijs2005/oauthproxy/internal/server/repositories/authcodes"
	"github.com/dmitrijs2005/oauthproxy/internal/server/repositories/credentials"
	"github.com/dmitrijs2005/oauthproxy/internal/server/repositories/idempotency"
	"github.com/dmitrijs2005/oauthproxy/internal/server/repositories/proxytokens"
)

// RepositoryManager vends repositories bound to a DBTX, so services can run
// the same repositories inside or outside a transaction.
type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Credentials(db dbx.DBTX) credentials.Repository
	AuthCodes(db dbx.DBTX) authcodes.Repository
	ProxyTokens(db dbx.DBTX) proxytokens.Repository
	Idempotency(db dbx.DBTX) idempotency.Repository
}
