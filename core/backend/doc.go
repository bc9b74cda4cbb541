/*
Package backend implements the schema-driven dataset backend

A backend serves a RESTful read API for government datasets. It is not
generated for one particular dataset; it reads dataset documents from a
schema source at startup, builds model descriptors for all their tables and
serves every table through a pair of generic routes.

Dataset Documents

A dataset document is a JSON document describing a named collection of
tables, their fields, relations, authorization scopes and temporal
configuration.

Example:
  {
	"type": "dataset",
	"id": "gebieden",
	"title": "Gebieden",
	"version": "1.0.0",
	"tables": [
	  {
		"id": "buurten",
		"temporal": {
		  "identifier": "volgnummer",
		  "dimensions": {
			"geldigOp": ["beginGeldigheid", "eindGeldigheid"]
		  }
		},
		"schema": {
		  "identifier": ["identificatie", "volgnummer"],
		  "properties": {
			"identificatie": {"type": "string"},
			"volgnummer": {"type": "integer"},
			"beginGeldigheid": {"type": "string", "format": "date"},
			"eindGeldigheid": {"type": "string", "format": "date"},
			"naam": {"type": "string"},
			"ligtInWijk": {"type": "string", "relation": "gebieden:wijken"}
		  }
		}
	  }
	]
  }

This document creates the following REST routes:
	GET /gebieden/buurten/
	GET /gebieden/buurten/{id}/

Non-default dataset versions are reachable under an explicit major version
segment:
	GET /gebieden/v2/buurten/
	GET /gebieden/v2/buurten/{id}/

Responses are HAL documents. A collection response embeds the rows under
"_embedded" with the table id as key; every row carries a "_links" object
with its own href and one link per relation field.

Query Parameters and Pagination

The GET request on collections supports filtering on any visible field,
either on the exact value or with an operator in brackets:
	  ?naam=Westerpark
	  ?naam[like]=West*
	  ?volgnummer[gte]=2
	  ?ligtInWijk.naam=Centrum

Further directives customize the response:
	  ?_sort=-naam,id   sorts by one or more fields, "-" descends
	  ?_fields=id,naam  limits the response to the named fields
	  ?_expand=true     embeds the rows of all related tables
	  ?_expandScope=ligtInWijk  embeds the rows of the named relations
	  ?_pageSize=n      sets a page limit of n rows
	  ?page=n           selects page number n

The response carries the following custom headers for pagination:
	  "Pagination-Limit"        the page limit
	  "Pagination-Total-Count"  the total number of rows in the collection
	  "Pagination-Page-Count"   the total number of pages in the collection
	  "Pagination-Current-Page" the currently selected page

Temporal Tables

Rows of a temporal table represent successive versions of an entity,
identified by a sequence number and bounded by a validity interval. By
default, requests see the currently valid version of every entity. The
reference date can be moved with
	  ?geldigOp=2021-03-01
and a single entity version can be addressed directly on the detail route
with
	  ?volgnummer=2

Authorization

If AuthorizationEnabled is set to true, the backend enforces access scopes.
Datasets, tables and individual fields declare the scopes that may see
them; an element without declared scopes is public. The authorization
middleware derives the granted scopes from the request's bearer token.
Invisible fields are omitted from responses, invisible tables answer 403,
invisible filter fields are rejected as unknown.

You can check the authorization state of any token with a GET request to

   /authorization

which will return the authorization state for the authenticated requester.

Catalog Reload

The served catalog is not fixed. A POST to /_reload re-reads all dataset
documents from the schema source and atomically swaps in a fresh catalog;
running requests finish on the catalog they started with. When a notifier
is configured, the reload is published as an event so other instances
follow.

If-None-Match and Etag

All GET requests are served with Etag and obey the If-None-Match request.
This allows clients to check whether new data is available without
downloading and comparing the entire response. If a client puts the
received Etag of a request into the If-None-Match header of a subsequent
request, then the system will simply respond with a 304 Not Modified in
case the data was not changed.

Errors

Errors are served as application/problem+json documents with a stable
"type" URN per status code. Invalid query parameters return 400 with the
offending parameter named in "detail"; unexpected internal errors return a
numbered reference and log the detail server-side.
*/
package backend
