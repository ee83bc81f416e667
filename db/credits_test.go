package db

import (
	"sync"
	"testing"

	qt "github.com/frankban/quicktest"
)

func setupLedgerCustomer(c *qt.C, id string) {
	customer := &Customer{
		ID:                 id,
		Email:              id + "@example.com",
		SubscriptionStatus: StatusActive,
		PlanTier:           "pro",
	}
	c.Assert(testDB.SetCustomer(customer), qt.IsNil)
}

func TestCreditLedger(t *testing.T) {
	defer func() {
		if err := testDB.Reset(); err != nil {
			t.Error(err)
		}
	}()
	c := qt.New(t)
	setupLedgerCustomer(c, "cust_ledger")

	// empty ledger means zero balance
	balance, err := testDB.CreditBalance("cust_ledger")
	c.Assert(err, qt.IsNil)
	c.Assert(balance, qt.Equals, int64(0))

	// credit 100
	balance, err = testDB.AddCredits("cust_ledger", 100, TxKindPurchase, "initial pack", "")
	c.Assert(err, qt.IsNil)
	c.Assert(balance, qt.Equals, int64(100))

	// debit 30
	balance, err = testDB.SpendCredits("cust_ledger", 30, "api usage")
	c.Assert(err, qt.IsNil)
	c.Assert(balance, qt.Equals, int64(70))

	// debit exceeding the balance fails and leaves no trace
	_, err = testDB.SpendCredits("cust_ledger", 100, "too much")
	c.Assert(err, qt.ErrorIs, ErrInsufficientFunds)

	balance, err = testDB.CreditBalance("cust_ledger")
	c.Assert(err, qt.IsNil)
	c.Assert(balance, qt.Equals, int64(70))

	// ledger rows carry running balances, most recent first
	transactions, err := testDB.CreditTransactions("cust_ledger", 0, 10)
	c.Assert(err, qt.IsNil)
	c.Assert(transactions, qt.HasLen, 2)
	c.Assert(transactions[0].Amount, qt.Equals, int64(-30))
	c.Assert(transactions[0].BalanceAfter, qt.Equals, int64(70))
	c.Assert(transactions[1].Amount, qt.Equals, int64(100))
	c.Assert(transactions[1].BalanceAfter, qt.Equals, int64(100))

	// balance equals the sum of the committed amounts
	var sum int64
	for _, tx := range transactions {
		sum += tx.Amount
	}
	c.Assert(balance, qt.Equals, sum)

	// invalid amounts are rejected
	_, err = testDB.AddCredits("cust_ledger", 0, TxKindBonus, "", "")
	c.Assert(err, qt.ErrorIs, ErrInvalidData)
	_, err = testDB.SpendCredits("cust_ledger", -5, "")
	c.Assert(err, qt.ErrorIs, ErrInvalidData)

	// unknown customers cannot be credited or debited
	_, err = testDB.AddCredits("cust_missing", 10, TxKindBonus, "", "")
	c.Assert(err, qt.ErrorIs, ErrNotFound)
	_, err = testDB.SpendCredits("cust_missing", 10, "")
	c.Assert(err, qt.ErrorIs, ErrNotFound)
}

func TestCreditPurchaseIdempotency(t *testing.T) {
	defer func() {
		if err := testDB.Reset(); err != nil {
			t.Error(err)
		}
	}()
	c := qt.New(t)
	setupLedgerCustomer(c, "cust_idem")

	balance, err := testDB.AddCredits("cust_idem", 500, TxKindPurchase, "pack", "pi_123")
	c.Assert(err, qt.IsNil)
	c.Assert(balance, qt.Equals, int64(500))

	// same external reference cannot be applied twice
	_, err = testDB.AddCredits("cust_idem", 500, TxKindPurchase, "pack", "pi_123")
	c.Assert(err, qt.ErrorIs, ErrAlreadyExists)

	// the duplicate left neither a ledger row nor a balance change
	balance, err = testDB.CreditBalance("cust_idem")
	c.Assert(err, qt.IsNil)
	c.Assert(balance, qt.Equals, int64(500))

	transactions, err := testDB.CreditTransactions("cust_idem", 0, 10)
	c.Assert(err, qt.IsNil)
	c.Assert(transactions, qt.HasLen, 1)

	tx, err := testDB.CreditTransactionByRef("pi_123")
	c.Assert(err, qt.IsNil)
	c.Assert(tx.Amount, qt.Equals, int64(500))

	// a different reference goes through
	balance, err = testDB.AddCredits("cust_idem", 100, TxKindPurchase, "pack", "pi_456")
	c.Assert(err, qt.IsNil)
	c.Assert(balance, qt.Equals, int64(600))
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	defer func() {
		if err := testDB.Reset(); err != nil {
			t.Error(err)
		}
	}()
	c := qt.New(t)
	setupLedgerCustomer(c, "cust_race")

	_, err := testDB.AddCredits("cust_race", 100, TxKindPurchase, "pack", "")
	c.Assert(err, qt.IsNil)

	// 10 concurrent debits of 30 against a balance of 100: exactly 3 can win
	const workers = 10
	var wg sync.WaitGroup
	successes := make(chan int64, workers)
	failures := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			balance, err := testDB.SpendCredits("cust_race", 30, "concurrent usage")
			if err != nil {
				failures <- err
				return
			}
			successes <- balance
		}()
	}
	wg.Wait()
	close(successes)
	close(failures)

	c.Assert(successes, qt.HasLen, 3)
	for err := range failures {
		c.Assert(err, qt.ErrorIs, ErrInsufficientFunds)
	}

	balance, err := testDB.CreditBalance("cust_race")
	c.Assert(err, qt.IsNil)
	c.Assert(balance, qt.Equals, int64(10))

	// 1 credit row plus 3 committed debits
	transactions, err := testDB.CreditTransactions("cust_race", 0, 20)
	c.Assert(err, qt.IsNil)
	c.Assert(transactions, qt.HasLen, 4)
}

func TestCreditTransactionsPagination(t *testing.T) {
	defer func() {
		if err := testDB.Reset(); err != nil {
			t.Error(err)
		}
	}()
	c := qt.New(t)
	setupLedgerCustomer(c, "cust_pages")

	for i := 0; i < 5; i++ {
		_, err := testDB.AddCredits("cust_pages", 10, TxKindBonus, "drip", "")
		c.Assert(err, qt.IsNil)
	}

	page0, err := testDB.CreditTransactions("cust_pages", 0, 2)
	c.Assert(err, qt.IsNil)
	c.Assert(page0, qt.HasLen, 2)
	c.Assert(page0[0].BalanceAfter, qt.Equals, int64(50))

	page1, err := testDB.CreditTransactions("cust_pages", 1, 2)
	c.Assert(err, qt.IsNil)
	c.Assert(page1, qt.HasLen, 2)

	page2, err := testDB.CreditTransactions("cust_pages", 2, 2)
	c.Assert(err, qt.IsNil)
	c.Assert(page2, qt.HasLen, 1)
	c.Assert(page2[0].BalanceAfter, qt.Equals, int64(10))
}
