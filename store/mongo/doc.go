// Package mongo implements store.Store on MongoDB. Each entity kind has its
// own collection; documents are keyed by the record key and carry a version
// field that guards every update.
//
// The caller owns the client lifecycle; Store never disconnects it:
//
//	client, _ := mongo.Connect(options.Client().ApplyURI(uri))
//	s := mongostore.New(client.Database("querydispatch"))
//	s.Migrate(ctx)
package mongo
