// Package pcsc turns a PC/SC contactless reader into a card session.
//
// A Manager watches a Monitor for attached readers and creates a Reader for
// each one. A Reader follows the card in the field: it connects on
// insertion, reads the UID of ISO 14443-3 memory cards or selects the
// configured application on ISO 14443-4 cards, and reports the card through
// OnCard. Callers then authenticate, read and write blocks:
//
//	r.OnCard(func(card pcsc.Card) {
//		ctx := context.Background()
//		if err := r.Authenticate(ctx, 4, pcsc.KeyTypeA, pcsc.DefaultKey); err != nil {
//			log.Print(err)
//			return
//		}
//		data, err := r.Read(ctx, 4, 16, pcsc.WithBlockSize(16))
//		...
//	})
//
// Every failure is an *Error carrying a Kind and a Code. The hardware side
// is the Transport interface; package scardtransport implements it on top
// of the system PC/SC service.
package pcsc
