// Package session provides an in-memory session cache with optional write-behind
// persistence, eviction policies and a per-session inactivity timer.
//
// # Core Components
//
//   - Data: identity, timestamps, TTL and attributes of one session
//   - Store / DataStore / Backend: persistence boundary with write throttling and expiry scans
//   - ManagedSession: attribute access, request counting and the VALID -> INVALIDATING -> INVALID lifecycle
//   - Cache: resident session table, load-through, save-on-release and eviction
//   - Manager: id generation, listener dispatch, cluster refresh and scavenging
//   - HouseKeeper: periodic scavenger driving expiry reconciliation
//
// # Basic Usage
//
//	store := session.NewMemoryStore(session.WithSavePeriod(30 * time.Second))
//
//	manager := session.NewManager(store,
//		session.WithTTL(30*time.Minute),
//		session.WithLogger(log),
//		session.WithCacheOptions(
//			session.WithEvictionIdle(10*time.Minute),
//			session.WithMaxActiveSessions(100_000),
//		),
//	)
//	if err := manager.Start(ctx); err != nil {
//		return err
//	}
//	defer manager.Stop(context.Background())
//
// A new session is held by the request that created it:
//
//	sess, err := manager.CreateSession(ctx)
//	if err != nil {
//		return err
//	}
//	defer sess.Complete(ctx)
//	_ = sess.SetAttribute(ctx, "user_id", userID)
//
// Later requests enter and leave the session explicitly. AccessSession looks
// the session up and enters it in one step, looking it up again when another
// request evicted it in between:
//
//	sess, err := manager.AccessSession(ctx, id)
//	if errors.Is(err, session.ErrNotFound) {
//		// expired, invalidated or unknown
//	}
//	defer sess.Complete(ctx)
//
// GetSession returns the session without entering it. An evicted instance
// refuses Access while still reporting IsValid, so callers pairing GetSession
// with Access retry the lookup in that case.
//
// # Eviction
//
// Eviction removes a session from memory without ending it; it is reloaded from
// the store on the next Get. The policy is one of:
//
//   - NeverEvict: stay resident until invalidated
//   - EvictOnSessionExit: evict when the last request completes
//   - a positive duration: evict after being idle that long
//
// WithEvictionIdleForNew sets a separate policy for new sessions without
// attributes, used when it evicts sooner than the general one.
//
// # Persistence
//
// Released sessions are saved whenever a store is configured. New sessions are
// saved on creation only with WithSaveOnCreate, and sessions evicted for
// inactivity only with WithClusterEnabled or WithSaveOnInactiveEviction.
// Attributes implementing NonPersistent, or named with WithNonPersistentAttributes,
// are never written. Register custom attribute types with RegisterType.
//
// # Expiry
//
// Each idle resident session owns a single-shot timer. When it fires on an
// expired session the id becomes a scavenge candidate; the HouseKeeper then asks
// the store to confirm expiry and invalidates what it confirms. Without a
// running HouseKeeper the session is invalidated immediately.
//
// # Listeners
//
// Implement Listener (embed BaseListener for defaults) and register it with
// Manager.AddListener or WithListener. SessionDestroyed is delivered in reverse
// registration order, every other event in registration order. Panics in
// listeners are recovered and logged.
//
// # Configuration
//
// Config and StoreConfig carry env tags for core/config:
//
//	cfg := session.DefaultConfig()
//	config.MustLoad(&cfg)
//	manager := session.NewManagerFromConfig(cfg, store)
package session
