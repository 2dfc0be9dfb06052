////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Pitside Technologies                                      //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file                                                               //
////////////////////////////////////////////////////////////////////////////////

package chat

import "testing"

// Tests the echo-before-response order: the echo matches the placeholder and
// the entry retires once the response confirms.
func Test_sendTracker_echoFirst(t *testing.T) {
	st := newSendTracker()
	st.Track("local-1", "local:placeholder")

	echo := &Message{ID: "srv-001", LocalID: "local-1"}
	placeholderID, own := st.MatchEcho(echo)
	if !own {
		t.Fatalf("Echo of a tracked send not recognized.")
	}
	if placeholderID != "local:placeholder" {
		t.Errorf("Unexpected placeholder ID.\nexpected: %s\nreceived: %s",
			"local:placeholder", placeholderID)
	}

	st.Confirm("local-1")
	if _, own = st.MatchEcho(echo); own {
		t.Errorf("Entry survived after both echo and confirmation.")
	}
}

// Tests the response-before-echo order: confirmation keeps the entry alive
// until the echo arrives, then retires it.
func Test_sendTracker_confirmFirst(t *testing.T) {
	st := newSendTracker()
	st.Track("local-1", "local:placeholder")

	st.Confirm("local-1")

	echo := &Message{ID: "srv-001", LocalID: "local-1"}
	if _, own := st.MatchEcho(echo); !own {
		t.Fatalf("Echo arriving after confirmation not recognized.")
	}
	if _, own := st.MatchEcho(echo); own {
		t.Errorf("Entry survived after both echo and confirmation.")
	}
}

// Tests that a failed send is forgotten so no later frame can match it, and
// that untracked or ID-less messages never match.
func Test_sendTracker_failAndStrangers(t *testing.T) {
	st := newSendTracker()
	st.Track("local-1", "local:placeholder")
	st.Fail("local-1")

	if _, own := st.MatchEcho(&Message{LocalID: "local-1"}); own {
		t.Errorf("Echo matched a failed send.")
	}
	if _, own := st.MatchEcho(&Message{LocalID: "local-9"}); own {
		t.Errorf("Echo matched an untracked send.")
	}
	if _, own := st.MatchEcho(&Message{ID: "srv-002"}); own {
		t.Errorf("A message without a local ID matched.")
	}
}
