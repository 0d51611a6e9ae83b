// Package httptrigger exposes topic writes over HTTP. A write stores the
// record and then dispatches the topic's pipelines, so the response is sent
// after the whole cascade has run.
//
//	POST  /topics/{topic}/records        insert a record (body: JSON object)
//	PATCH /topics/{topic}/records/{key}  merge fields into a record
//	GET   /topics/{topic}/records/{key}  read a record
//	POST  /topics/{topic}/triggers       dispatch without writing: {"kind", "old", "new"}
//
// Pipeline failures never fail the request; they are recorded by the engine.
// Unknown topics and records are 404, malformed bodies 400, and an
// optimistic-lock conflict that outlives the retries 409.
//
//	h := httptrigger.New(engine, store, catalog, httptrigger.Options{})
//	http.ListenAndServe(":8080", h.Router())
package httptrigger
