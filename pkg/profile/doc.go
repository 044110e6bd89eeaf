// Package profile stores the durable billing profile of each user: plan,
// status and provider identifiers. It backs subscription.ProfileStore and
// subscription.PaidUserLister.
//
// Two implementations are provided. PGStore keeps profiles in the
// billing_profiles table of a PostgreSQL database; the schema ships as
// embedded goose migrations (see Migrations and MigrationsDir). MemoryStore
// keeps everything in process memory and suits tests and single-node demos.
//
// Billing writes never touch the email column. Emails belong to the account
// system and are written with SetEmail.
//
// # Usage
//
//	pool, err := pg.Connect(ctx, cfg.PG)
//	if err != nil {
//		return err
//	}
//	if err := pg.Migrate(ctx, pool, profile.Migrations, profile.MigrationsDir, cfg.PG.MigrationsTable, log); err != nil {
//		return err
//	}
//	store := profile.NewPGStore(pool)
//
// Usage counters for the limited resources can be backed by tables that carry
// a user_id column:
//
//	counter, err := profile.Counter(pool, subscription.ResourceProjects)
package profile
