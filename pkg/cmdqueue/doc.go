// Package cmdqueue hands command payloads from many producers to a
// serializing executor through a fixed-capacity ring of slots.
//
// # Flow
//
//	producer                         executor
//	--------                         --------
//	Submit(payload)
//	  wait while ring full
//	  claim tail slot
//	  copy payload into slot
//	  signal new entry  ───────────▶ Next()
//	                                   wait for oldest filled slot
//	                                   copy payload out
//	                                 Execute(payload)
//	  wait for completion ◀───────── Complete(cmd, result)
//	  copy result out
//	  release slot, wake producers
//
// Commands are dispatched strictly in submission order. A slot returns to
// the free pool only after its producer has copied the result, and the ring
// head advances only across released slots, so a buffer is never reused
// while its producer still reads from it.
//
// Submit never fails because the ring is full; it waits (backpressure).
// It fails immediately with ErrPayloadTooLarge for payloads that do not fit a
// slot. Both Submit and Next accept a context so a stalled executor or an idle
// queue cannot hang a caller forever.
package cmdqueue
