// Package privdm is an encrypted direct-messaging engine over relay
// infrastructure. Messages travel as three nested envelopes: an
// unsigned rumor carrying the plaintext, a seal signed by the sender,
// and a gift wrap authored by a throwaway key so relays learn nothing
// but the recipient. The engine sends to one or many recipients, keeps
// a local message store, follows new wraps over a live subscription,
// and backfills stored history in pages.
//
// Basic usage:
//
//	keys, err := crypto.GenerateKeyPair()
//	if err != nil {
//		log.Fatal(err)
//	}
//	sig, err := signer.NewLocalSigner(keys)
//	if err != nil {
//		log.Fatal(err)
//	}
//	st, err := sqlstore.New("messages.db")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer st.Close()
//
//	messenger, err := privdm.New(privdm.Config{
//		Signer:    sig,
//		Transport: relay.NewPool(),
//		Store:     st,
//		Relays:    []string{"wss://relay.example.com"},
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	messenger.OnMessage(func(msg *store.Message) {
//		fmt.Printf("[%s] %s\n", msg.ConversationID, msg.Content)
//	})
//
//	if err := messenger.StartLive(); err != nil {
//		log.Fatal(err)
//	}
//	defer messenger.StopLive()
//
//	_, err = messenger.SendMessage(ctx,
//		[]envelope.Recipient{{PubKey: friendPubKey}}, "hello")
package privdm
