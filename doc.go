// Package herd coordinates a fleet of stateless workers that
// cooperatively own and execute long-running connectors decomposed into
// tasks.
//
// Workers join a dynamic membership group, receive a partition of the
// connector/task set through a group rebalance protocol (eager or
// incremental cooperative), and keep their local execution state
// consistent with a shared append-only configuration log despite
// membership churn, leader changes and partial failures.
//
// # Quick Start
//
//	cfg := herd.DefaultConfig()
//
//	store, _ := natsstore.New(ctx, natsConn, natsstore.Config{Bucket: "my-cluster-config"})
//	member, _ := natsgroup.New(natsConn, natsgroup.Config{
//	    GroupID:       "my-cluster",
//	    AdvertisedURL: cfg.AdvertisedURL,
//	    Protocol:      herd.ProtocolCoopV2,
//	}, store.Snapshot)
//
//	herder, err := herd.NewHerder(&cfg, member, store, executor)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	member.SetListener(herder)
//
//	if err := herder.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// # Architecture
//
// All coordination state is owned by a single goroutine driving a tick
// cycle:
//
//	join group → process due requests → drain restart requests →
//	reconcile config updates → rotate session key (leader) → poll
//
// Rebalance callbacks fire synchronously from inside the blocking
// join/poll calls, so no locking is needed for coordination state. Slow
// operations (connector/task start and stop) run on a bounded worker pool
// and re-enter the loop only by enqueueing requests.
//
// The group membership transport, the configuration log and the job
// runtime are consumed as interfaces (types.GroupMember,
// types.ConfigStore, types.Executor); NATS-backed implementations of the
// first two ship in the natsgroup and natsstore packages.
package herd
