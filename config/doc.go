// Package config loads topic and pipeline definitions from YAML and builds
// them into a Catalog the engine reads from.
//
//	topics:
//	  - name: orders
//	  - name: shipments
//	  - name: audit
//	    kind: system
//	pipelines:
//	  ship-paid-orders:
//	    topic: orders
//	    on: {left: new.paid, op: eq, right: true}
//	    stages:
//	      - name: ship
//	        units:
//	          - name: create
//	            actions:
//	              - type: insert-row
//	                topic: shipments
//	                values: {order: new.number, status: '"pending"'}
//
// Pipelines of one topic run in document order. Build a catalog with
// Build(def); Settings reads the process environment for the command.
package config
