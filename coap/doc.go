// Package coap serves the capsule host over CoAP.
//
// The vm-control resource accepts a capsule upload as a Block1 transfer:
// each PUT appends one block to the program buffer at the offset the
// block number implies, a block at offset zero restarts the upload and
// stops the running capsule, and the final block starts the uploaded
// program. DELETE stops the capsule. Requests below /vm are handed to the
// running capsule's coap_run export; vm-status reports the lifecycle as
// CBOR.
package coap
