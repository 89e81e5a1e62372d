/*
Package sublimate lets HTTP handlers talk to a database as if every call
were synchronous.

Handler bodies run on worker goroutines while the serving goroutine waits
for their future, and every database call made through the handle a body
receives blocks until the database answers. Sublimate wraps Bun with:
  - Route adapters that bridge handler bodies and optionally scope them to a transaction
  - A fluent, immutable query builder with first-or-abort and aggregates
  - Raw SQL with typed row decoding
  - A schema builder and batched, reversible migrations
  - Model middleware around create, update and delete
  - Content negotiation (JSON, MessagePack, YAML) for encodable responses
  - Rich error handling for PostgreSQL and SQLite
  - Configurable observability (logging, metrics, tracing)

# Basic Usage

	cfg := sublimate.DefaultConfig(os.Getenv("DATABASE_URL"))
	cfg.Logger = slog.Default()
	cfg.LogSlowQueries = 100 * time.Millisecond

	engine, err := sublimate.New(cfg)
	if err != nil {
	    log.Fatal(err)
	}
	defer engine.Close()

	r := mux.NewRouter()
	r.Use(engine.Middleware)
	r.Handle("/planets/{name}", sublimate.HandleEncodable(func(rc *sublimate.RequestContext) (*Planet, error) {
	    name, _ := rc.Param("name")
	    return sublimate.Query[Planet](rc).Filter("name", sublimate.Equal, name).FirstOrAbort()
	}))

# Transactions

Routes given InTransaction run their body inside a transaction that commits
when the body returns nil and rolls back otherwise:

	r.Handle("/planets/{name}", sublimate.Handle(func(rc *sublimate.RequestContext) error {
	    name, _ := rc.Param("name")
	    _, err := sublimate.Query[Planet](rc).Filter("name", sublimate.Equal, name).Delete()
	    return err
	}, sublimate.InTransaction)).Methods(http.MethodDelete)

Outside of routes, Use and Sublimate do the same for any closure:

	err := engine.Use(ctx, func(db *sublimate.DB) error {
	    return sublimate.Create(db, &planet)
	}, sublimate.InTransaction)

While a transaction is open, the handle it was opened from refuses work
with a 500 instead of waiting for a connection the transaction may hold.

# Migrations

	result, err := engine.Migrate(ctx,
	    sublimate.SQLMigration{ID: "001", SQL: "CREATE TABLE stars (...)", RevertSQL: "DROP TABLE stars"},
	    createPlanets,
	)

# Error Handling

Handler errors become {"error": true, "reason": "..."} responses. Aborts
carry their own status; database errors are classified:

	if err := sublimate.Create(db, &user); err != nil {
	    if sublimate.IsDuplicate(err) {
	        // Handle duplicate key
	    }

	    var dbErr *sublimate.Error
	    if errors.As(err, &dbErr) {
	        fmt.Println(dbErr.Code)       // DUPLICATE
	        fmt.Println(dbErr.Constraint) // users_email_key
	    }
	}
*/
package sublimate
