package storage_test

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/tidwall/gjson"

	"github.com/luma/hermes/storage"
)

var _ = Describe("storage / InmemoryStore", func() {
	storeBehaviour(func() storage.Store {
		return storage.NewInmemoryStore()
	})

	Describe("Close()", func() {
		It("does not panic when closed twice", func() {
			store := storage.NewInmemoryStore()

			Expect(func() { store.Close() }).NotTo(Panic())
			Expect(func() { store.Close() }).NotTo(Panic())
		})
	})

	It("honours a cancelled context", func() {
		store := storage.NewInmemoryStore()
		defer store.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := store.InsertMessage(ctx, "alice", "bob", "hi")
		Expect(errors.Is(err, context.Canceled)).To(BeTrue())
	})

	Describe("Backup() / Restore()", func() {
		It("an empty store backs up to an empty document", func() {
			store := storage.NewInmemoryStore()
			defer store.Close()

			value, err := store.Backup()
			Expect(err).To(Succeed())
			Expect(string(value)).To(MatchJSON(`{"last_id":0,"users":{},"messages":[]}`))
		})

		It("carries users and messages into a new store", func() {
			ctx := context.Background()

			store := storage.NewInmemoryStore()
			defer store.Close()

			Expect(store.InsertUser(ctx, storage.User{Username: "alice", Passhash: "a"})).To(Succeed())
			Expect(store.InsertUser(ctx, storage.User{Username: "b.o.b", Passhash: "b"})).To(Succeed())
			first, _ := store.InsertMessage(ctx, "alice", "b.o.b", "hi")
			_, _ = store.InsertMessage(ctx, "b.o.b", "alice", "yo")
			Expect(store.MarkDelivered(ctx, first)).To(Succeed())

			snapshot, err := store.Backup()
			Expect(err).To(Succeed())
			Expect(gjson.GetBytes(snapshot, "messages.#").Int()).To(Equal(int64(2)))
			Expect(gjson.GetBytes(snapshot, `users.b\.o\.b`).String()).To(Equal("b"))

			restored := storage.NewInmemoryStore()
			defer restored.Close()
			Expect(restored.Restore(snapshot)).To(Succeed())

			Expect(restored.OtherUsernames(ctx, "")).To(Equal([]string{"alice", "b.o.b"}))
			Expect(restored.CountUndelivered(ctx, "alice")).To(Equal(1))

			before, _ := store.MessagesBetween(ctx, "alice", "b.o.b")
			after, _ := restored.MessagesBetween(ctx, "alice", "b.o.b")
			Expect(after).To(HaveLen(len(before)))
			for i := range before {
				Expect(after[i].ID).To(Equal(before[i].ID))
				Expect(after[i].Body).To(Equal(before[i].Body))
				Expect(after[i].Delivered).To(Equal(before[i].Delivered))
				Expect(after[i].Timestamp.Equal(before[i].Timestamp)).To(BeTrue())
			}

			// Ids keep counting from the restored state.
			next, _ := restored.InsertMessage(ctx, "alice", "b.o.b", "again")
			Expect(next).To(Equal(int64(3)))
		})

		It("rejects a snapshot that is not JSON", func() {
			store := storage.NewInmemoryStore()
			defer store.Close()

			Expect(store.Restore([]byte(`{"users":`))).NotTo(Succeed())
		})
	})
})
