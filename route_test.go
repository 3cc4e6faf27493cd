/************************************************************************************
 *
 * relay, a Discord Gateway + REST connection substrate for Go
 *
 * SPDX-License-Identifier: BSD-3-Clause
 *
 ************************************************************************************/

package relay

import "testing"

func TestRoute_ReactionFreeze(t *testing.T) {
	path := "/channels/111111111111111111/messages/222222222222222222/reactions/%F0%9F%98%80/@me"
	key := deriveRouteKey("PUT", path)

	wantBucket := "/channels/111111111111111111/messages/:id/reactions"
	if key.bucketRoute != wantBucket {
		t.Fatalf("bucketRoute = %q; want %q", key.bucketRoute, wantBucket)
	}
	if key.path != path {
		t.Fatalf("path = %q; want %q", key.path, path)
	}
}

func TestRoute_MajorContainerPreservesID(t *testing.T) {
	a := deriveRouteKey("GET", "/channels/111111111111111111/messages")
	b := deriveRouteKey("GET", "/channels/999999999999999999/messages")

	if a.bucketRoute == b.bucketRoute {
		t.Fatalf("bucket routes for distinct channel ids collapsed to %q", a.bucketRoute)
	}
	if a.bucketRoute != "/channels/111111111111111111/messages" {
		t.Fatalf("bucketRoute = %q; want channel id preserved", a.bucketRoute)
	}
}

// Bucket key stability: routes that differ only in a non-major id must
// collapse to the same bucket route (property P4).
func TestRoute_NonMajorIDsCollapse(t *testing.T) {
	a := deriveRouteKey("GET", "/channels/111111111111111111/messages/222222222222222222")
	b := deriveRouteKey("GET", "/channels/111111111111111111/messages/333333333333333333")

	if a.bucketRoute != b.bucketRoute {
		t.Fatalf("bucketRoute differs for same-channel messages: %q vs %q", a.bucketRoute, b.bucketRoute)
	}
	want := "/channels/111111111111111111/messages/:id"
	if a.bucketRoute != want {
		t.Fatalf("bucketRoute = %q; want %q", a.bucketRoute, want)
	}
}

func TestRoute_InteractionCallbackCollapsesToken(t *testing.T) {
	a := deriveRouteKey("POST", "/interactions/111111111111111111/tokenAAA/callback")
	b := deriveRouteKey("POST", "/interactions/999999999999999999/tokenBBB/callback")

	if a.bucketRoute != b.bucketRoute {
		t.Fatalf("bucketRoute differs across interaction tokens: %q vs %q", a.bucketRoute, b.bucketRoute)
	}
	if a.bucketRoute != "/interactions/:id/:token/callback" {
		t.Fatalf("bucketRoute = %q; want /interactions/:id/:token/callback", a.bucketRoute)
	}
}

func TestRouteBuilder_MatchesStringDerivation(t *testing.T) {
	built := NewRoute().
		Segments("channels", "111111111111111111", "messages", "222222222222222222", "reactions", "%F0%9F%98%80", "@me").
		Build("PUT")

	derived := deriveRouteKey("PUT", "/channels/111111111111111111/messages/222222222222222222/reactions/%F0%9F%98%80/@me")

	if built.bucketRoute != derived.bucketRoute {
		t.Fatalf("builder bucketRoute = %q; string derivation = %q", built.bucketRoute, derived.bucketRoute)
	}
	if built.path != derived.path {
		t.Fatalf("builder path = %q; string derivation = %q", built.path, derived.path)
	}
}

func TestRouteBuilder_ImmutablePrefixReuse(t *testing.T) {
	base := NewRoute().Segments("channels", "111111111111111111")

	a := base.Segments("messages", "222222222222222222").Build("GET")
	b := base.Segment("webhooks").Build("GET")

	if a.path == b.path {
		t.Fatalf("diverging builders produced the same path: %q", a.path)
	}
	if a.bucketRoute != "/channels/111111111111111111/messages/:id" {
		t.Fatalf("a.bucketRoute = %q", a.bucketRoute)
	}
	if b.bucketRoute != "/channels/111111111111111111/webhooks" {
		t.Fatalf("b.bucketRoute = %q", b.bucketRoute)
	}
}

func TestRoute_HandlerKeyDistinguishesMethod(t *testing.T) {
	get := deriveRouteKey("GET", "/channels/111111111111111111/messages")
	post := deriveRouteKey("POST", "/channels/111111111111111111/messages")

	if get.handlerKey() == post.handlerKey() {
		t.Fatalf("GET and POST collapsed to the same handler key %q", get.handlerKey())
	}
}
